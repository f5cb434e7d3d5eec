package session

import (
	"sync"
	"time"
)

const (
	// DefaultQueueSize bounds each subscriber's pending events.
	DefaultQueueSize = 256

	// DefaultHeartbeat is the idle keepalive interval.
	DefaultHeartbeat = 30 * time.Second
)

// Publisher fans session events out to any number of subscribers. Each
// subscriber owns a bounded queue and a delivery goroutine, so a slow
// consumer never blocks the reader or its peers: when a queue overflows the
// oldest events are dropped and an overflow marker takes their place.
type Publisher struct {
	queueSize int

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
	final  *Event

	done          chan struct{}
	heartbeatOnce sync.Once
}

// NewPublisher creates a publisher with the given per-subscriber queue
// bound. heartbeat <= 0 disables keepalives.
func NewPublisher(queueSize int, heartbeat time.Duration) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Publisher{
		queueSize: queueSize,
		subs:      make(map[*Subscriber]struct{}),
		done:      make(chan struct{}),
	}
	if heartbeat > 0 {
		go p.heartbeatLoop(heartbeat)
	}
	return p
}

// Subscribe registers a new subscriber. Any initial events (e.g. a cached
// initial prompt) are queued before live traffic. On a closed publisher the
// subscriber receives the initial events plus the final event, then its
// channel closes.
func (p *Publisher) Subscribe(initial ...Event) *Subscriber {
	s := &Subscriber{
		publisher: p,
		max:       p.queueSize,
		notify:    make(chan struct{}, 1),
		out:       make(chan Event),
		quit:      make(chan struct{}),
	}
	go s.run()

	p.mu.Lock()
	for _, ev := range initial {
		s.enqueue(ev, true)
	}
	if p.closed {
		if p.final != nil {
			s.enqueue(*p.final, true)
		}
		s.finish()
	} else {
		p.subs[s] = struct{}{}
	}
	p.mu.Unlock()
	return s
}

// Publish delivers an event to every current subscriber.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for s := range p.subs {
		s.enqueue(ev, false)
	}
	p.mu.Unlock()
}

// Close delivers the final event (the session's exit) to every subscriber
// and shuts the publisher down. Subscriber channels close once their queues
// drain; later Publish calls are dropped.
func (p *Publisher) Close(final *Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.final = final
	close(p.done)
	for s := range p.subs {
		if final != nil {
			s.enqueue(*final, true)
		}
		s.finish()
	}
	p.subs = make(map[*Subscriber]struct{})
	p.mu.Unlock()
}

func (p *Publisher) unsubscribe(s *Subscriber) {
	p.mu.Lock()
	delete(p.subs, s)
	p.mu.Unlock()
}

func (p *Publisher) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.Publish(Event{Type: EventHeartbeat, Timestamp: time.Now().UTC()})
		}
	}
}

// Subscriber is one consumer of a session stream. Events() yields events in
// producer order; the channel closes after the session's exit event or when
// the subscriber itself closes.
type Subscriber struct {
	publisher *Publisher
	max       int

	mu           sync.Mutex
	queue        []Event
	pendingDrops int
	finished     bool

	notify chan struct{}
	out    chan Event
	quit   chan struct{}
	once   sync.Once
}

// Events returns the delivery channel.
func (s *Subscriber) Events() <-chan Event {
	return s.out
}

// Close detaches the subscriber and releases its resources immediately.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.publisher.unsubscribe(s)
		close(s.quit)
	})
}

// enqueue appends an event. When the queue is full the oldest entry gives
// way and the loss is counted; the delivery loop surfaces an overflow marker
// in the dropped events' place. Priority events (initial prompt, exit) may
// exceed the bound so they are never lost.
func (s *Subscriber) enqueue(ev Event, priority bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if !priority && len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.pendingDrops++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// finish marks the end of the stream: the delivery loop closes out once the
// queue drains.
func (s *Subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) run() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if s.pendingDrops == 0 && len(s.queue) == 0 {
				finished := s.finished
				s.mu.Unlock()
				if finished {
					close(s.out)
					return
				}
				break
			}
			var ev Event
			if s.pendingDrops > 0 {
				// Drops always happen at the queue front, so the marker
				// belongs right before whatever survived.
				ev = Event{Type: EventOverflow, Dropped: s.pendingDrops, Timestamp: time.Now().UTC()}
				s.pendingDrops = 0
			} else {
				ev = s.queue[0]
				s.queue = s.queue[1:]
			}
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.quit:
				return
			}
		}
	}
}
