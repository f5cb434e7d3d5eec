package models

import (
	"fmt"
	"time"
)

// DependencyType is the type of a directed edge between two elements.
type DependencyType string

// Blocking family: edges that can make their source not-ready.
const (
	DepBlocks      DependencyType = "blocks"
	DepParentChild DependencyType = "parent-child"
	DepAwaits      DependencyType = "awaits"
)

// Associative family: informational edges with no blocking semantics.
const (
	DepRelatesTo  DependencyType = "relates-to"
	DepReferences DependencyType = "references"
	DepSupersedes DependencyType = "supersedes"
	DepDuplicates DependencyType = "duplicates"
	DepCausedBy   DependencyType = "caused-by"
	DepValidates  DependencyType = "validates"
)

// Attribution and threading family.
const (
	DepAuthoredBy DependencyType = "authored-by"
	DepAssignedTo DependencyType = "assigned-to"
	DepApprovedBy DependencyType = "approved-by"
	DepRepliesTo  DependencyType = "replies-to"
)

var dependencyTypes = map[DependencyType]bool{
	DepBlocks: true, DepParentChild: true, DepAwaits: true,
	DepRelatesTo: true, DepReferences: true, DepSupersedes: true,
	DepDuplicates: true, DepCausedBy: true, DepValidates: true,
	DepAuthoredBy: true, DepAssignedTo: true, DepApprovedBy: true,
	DepRepliesTo: true,
}

// ValidDependencyType reports whether t is a known dependency type.
func ValidDependencyType(t DependencyType) bool {
	return dependencyTypes[t]
}

// Blocking reports whether t belongs to the blocking family.
func (t DependencyType) Blocking() bool {
	switch t {
	case DepBlocks, DepParentChild, DepAwaits:
		return true
	}
	return false
}

// BlockingDependencyTypes lists the blocking family in deterministic order.
var BlockingDependencyTypes = []DependencyType{DepBlocks, DepParentChild, DepAwaits}

// Dependency is a directed, typed relationship between two elements.
// The edge reads "source depends on target".
type Dependency struct {
	SourceID  string         `json:"sourceId"`
	TargetID  string         `json:"targetId"`
	Type      DependencyType `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedBy string         `json:"createdBy"`
	CreatedAt time.Time      `json:"createdAt"`
}

// GateType discriminates the awaits-gate metadata union.
type GateType string

const (
	GateTimer    GateType = "timer"
	GateApproval GateType = "approval"
	GateExternal GateType = "external"
	GateWebhook  GateType = "webhook"
)

// AwaitsGate is the validated form of an awaits edge's metadata.
type AwaitsGate struct {
	Gate              GateType
	WaitUntil         time.Time // timer
	RequiredApprovers []string  // approval
	CurrentApprovers  []string  // approval
	ApprovalCount     int       // approval; 0 means len(RequiredApprovers)
}

// ParseAwaitsGate validates and decodes awaits metadata. Edge insertion
// rejects metadata that fails here; the cache treats parse failures on stored
// rows as blocking (fail-safe).
func ParseAwaitsGate(metadata map[string]any) (*AwaitsGate, error) {
	raw, ok := metadata["gate"]
	if !ok {
		return nil, fmt.Errorf("awaits metadata missing gate")
	}
	gateStr, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("awaits gate must be a string")
	}

	gate := &AwaitsGate{Gate: GateType(gateStr)}
	switch gate.Gate {
	case GateTimer:
		waitRaw, ok := metadata["waitUntil"]
		if !ok {
			return nil, fmt.Errorf("timer gate requires waitUntil")
		}
		waitStr, ok := waitRaw.(string)
		if !ok {
			return nil, fmt.Errorf("timer waitUntil must be an RFC3339 string")
		}
		t, err := time.Parse(time.RFC3339, waitStr)
		if err != nil {
			return nil, fmt.Errorf("timer waitUntil: %w", err)
		}
		gate.WaitUntil = t
	case GateApproval:
		gate.RequiredApprovers = stringSlice(metadata["requiredApprovers"])
		gate.CurrentApprovers = stringSlice(metadata["currentApprovers"])
		if n, ok := intValue(metadata["approvalCount"]); ok {
			gate.ApprovalCount = n
		}
		if gate.ApprovalCount <= 0 {
			gate.ApprovalCount = len(gate.RequiredApprovers)
		}
		if gate.ApprovalCount <= 0 {
			return nil, fmt.Errorf("approval gate requires requiredApprovers or approvalCount")
		}
	case GateExternal, GateWebhook:
		// No required fields; satisfaction comes from an explicit metadata
		// rewrite (the "satisfied" flag below).
	default:
		return nil, fmt.Errorf("unknown gate type %q", gateStr)
	}
	return gate, nil
}

// Normalize rewrites metadata into the canonical stored form. Timer
// deadlines become UTC RFC3339 strings so the due-gate scan can compare
// them lexicographically; a fractional second sorts before the whole
// second, so a gate is scanned early but never late.
func (g *AwaitsGate) Normalize(metadata map[string]any) {
	if g.Gate == GateTimer {
		metadata["waitUntil"] = g.WaitUntil.UTC().Format(time.RFC3339Nano)
	}
}

// GateSatisfied evaluates an awaits edge's metadata at the given time.
// Invalid metadata on a stored edge blocks (fail-safe).
func GateSatisfied(metadata map[string]any, now time.Time) bool {
	gate, err := ParseAwaitsGate(metadata)
	if err != nil {
		return false
	}
	switch gate.Gate {
	case GateTimer:
		return !now.Before(gate.WaitUntil)
	case GateApproval:
		return len(gate.CurrentApprovers) >= gate.ApprovalCount
	case GateExternal, GateWebhook:
		// Satisfied only via an explicit mutation that rewrites the metadata.
		satisfied, _ := metadata["satisfied"].(bool)
		return satisfied
	}
	return false
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intValue(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
