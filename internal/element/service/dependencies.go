package service

import (
	"context"
	"time"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
	"github.com/elemental-sh/elemental/internal/events"
)

// AddDependency inserts an edge, preserving edge uniqueness and acyclicity of
// the blocks/parent-child subgraph.
func (s *Service) AddDependency(ctx context.Context, dep *models.Dependency) error {
	if !models.ValidDependencyType(dep.Type) {
		return apperrors.Validationf("unknown dependency type %q", dep.Type)
	}
	if dep.SourceID == dep.TargetID {
		return apperrors.CycleDetected(dep.SourceID, dep.TargetID)
	}
	if _, err := s.repo.GetElement(ctx, dep.SourceID, false); err != nil {
		return err
	}
	// Awaits targets are opaque gate ids, not elements; everything else must
	// point at a live element.
	if dep.Type == models.DepAwaits {
		gate, err := models.ParseAwaitsGate(dep.Metadata)
		if err != nil {
			return apperrors.Validation(err.Error())
		}
		gate.Normalize(dep.Metadata)
	} else {
		if _, err := s.repo.GetElement(ctx, dep.TargetID, false); err != nil {
			return err
		}
	}
	if dep.Type == models.DepBlocks || dep.Type == models.DepParentChild {
		cyclic, err := s.reachable(ctx, dep.TargetID, dep.SourceID)
		if err != nil {
			return err
		}
		if cyclic {
			return apperrors.CycleDetected(dep.SourceID, dep.TargetID)
		}
	}

	if dep.CreatedBy == "" {
		dep.CreatedBy = models.SystemEntityID
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.AddDependency(ctx, dep); err != nil {
		return err
	}

	s.audit(ctx, dep.SourceID, events.DependencyAdded, dep.CreatedBy, map[string]any{
		"targetId": dep.TargetID, "type": string(dep.Type),
	})
	s.publish(ctx, events.DependencyAdded, map[string]any{
		"sourceId": dep.SourceID, "targetId": dep.TargetID, "type": string(dep.Type),
	})

	if err := s.cache.OnDependencyChanged(ctx, dep.SourceID, dep.Type, time.Now()); err != nil {
		s.cacheFailure(dep.SourceID, err)
	}
	return nil
}

// RemoveDependency deletes an edge and recomputes the source's cache state.
func (s *Service) RemoveDependency(ctx context.Context, sourceID, targetID string, depType models.DependencyType, actor string) error {
	if err := s.repo.RemoveDependency(ctx, sourceID, targetID, depType); err != nil {
		return err
	}

	s.audit(ctx, sourceID, events.DependencyRemoved, actor, map[string]any{
		"targetId": targetID, "type": string(depType),
	})
	s.publish(ctx, events.DependencyRemoved, map[string]any{
		"sourceId": sourceID, "targetId": targetID, "type": string(depType),
	})

	if err := s.cache.OnDependencyChanged(ctx, sourceID, depType, time.Now()); err != nil {
		s.cacheFailure(sourceID, err)
	}
	return nil
}

// GetDependencies returns the outgoing edges of an element.
func (s *Service) GetDependencies(ctx context.Context, id string, types ...models.DependencyType) ([]*models.Dependency, error) {
	if _, err := s.repo.GetElement(ctx, id, true); err != nil {
		return nil, err
	}
	return s.repo.GetDependencies(ctx, id, types...)
}

// GetDependents returns the incoming edges of an element.
func (s *Service) GetDependents(ctx context.Context, id string, types ...models.DependencyType) ([]*models.Dependency, error) {
	if _, err := s.repo.GetElement(ctx, id, true); err != nil {
		return nil, err
	}
	return s.repo.GetDependents(ctx, id, types...)
}

// SatisfyGate rewrites an awaits edge's metadata (external/webhook
// satisfaction, approvals) and recomputes the source.
func (s *Service) SatisfyGate(ctx context.Context, sourceID, targetID string, metadata map[string]any, actor string) error {
	gate, err := models.ParseAwaitsGate(metadata)
	if err != nil {
		return apperrors.Validation(err.Error())
	}
	gate.Normalize(metadata)
	if err := s.repo.UpdateDependencyMetadata(ctx, sourceID, targetID, models.DepAwaits, metadata); err != nil {
		return err
	}
	s.audit(ctx, sourceID, events.DependencyGateUpdated, actor, map[string]any{
		"targetId": targetID,
	})
	if err := s.cache.Invalidate(ctx, sourceID, time.Now()); err != nil {
		s.cacheFailure(sourceID, err)
	}
	return nil
}

// reachable reports whether "to" can be reached from "from" along
// blocks/parent-child edges. Iterative DFS with an explicit stack.
func (s *Service) reachable(ctx context.Context, from, to string) (bool, error) {
	stack := []string{from}
	visited := map[string]bool{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true, nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		deps, err := s.repo.GetDependencies(ctx, id, models.DepBlocks, models.DepParentChild)
		if err != nil {
			return false, err
		}
		for _, dep := range deps {
			if !visited[dep.TargetID] {
				stack = append(stack, dep.TargetID)
			}
		}
	}
	return false, nil
}

// TreeNode is one node of a dependency tree.
type TreeNode struct {
	Element           *models.Element `json:"element"`
	DependencyType    string          `json:"dependencyType,omitempty"`
	CircularReference bool            `json:"circularReference,omitempty"`
	Dependencies      []*TreeNode     `json:"dependencies,omitempty"`
	Dependents        []*TreeNode     `json:"dependents,omitempty"`
}

// Tree is a dependency tree rooted at one element.
type Tree struct {
	Root      *TreeNode `json:"root"`
	NodeCount int       `json:"nodeCount"`
	DepthDown int       `json:"depthDown"`
	DepthUp   int       `json:"depthUp"`
}

// GetDependencyTree expands the graph around root up to depth levels in each
// direction. Revisited nodes become "circular reference" leaves.
func (s *Service) GetDependencyTree(ctx context.Context, rootID string, depth int) (*Tree, error) {
	if depth <= 0 {
		depth = 3
	}
	root, err := s.repo.GetElement(ctx, rootID, false)
	if err != nil {
		return nil, err
	}

	tree := &Tree{Root: &TreeNode{Element: root}}
	tree.NodeCount = 1

	down, err := s.expand(ctx, tree, rootID, depth, true, map[string]bool{rootID: true}, 0)
	if err != nil {
		return nil, err
	}
	tree.Root.Dependencies = down.children
	tree.DepthDown = down.depth

	up, err := s.expand(ctx, tree, rootID, depth, false, map[string]bool{rootID: true}, 0)
	if err != nil {
		return nil, err
	}
	tree.Root.Dependents = up.children
	tree.DepthUp = up.depth

	return tree, nil
}

type expansion struct {
	children []*TreeNode
	depth    int
}

func (s *Service) expand(ctx context.Context, tree *Tree, id string, depth int, down bool, visited map[string]bool, level int) (expansion, error) {
	if level >= depth {
		return expansion{}, nil
	}
	var edges []*models.Dependency
	var err error
	if down {
		edges, err = s.repo.GetDependencies(ctx, id)
	} else {
		edges, err = s.repo.GetDependents(ctx, id)
	}
	if err != nil {
		return expansion{}, err
	}

	out := expansion{}
	for _, edge := range edges {
		nextID := edge.TargetID
		if !down {
			nextID = edge.SourceID
		}
		el, err := s.targetForTree(ctx, nextID)
		if err != nil {
			return expansion{}, err
		}
		if el == nil {
			continue
		}
		node := &TreeNode{Element: el, DependencyType: string(edge.Type)}
		if visited[nextID] {
			node.CircularReference = true
			out.children = append(out.children, node)
			continue
		}
		tree.NodeCount++

		// The visited set travels by value down each branch: a node shared by
		// two acyclic paths expands under both, while a true back-edge still
		// terminates as a circular-reference leaf.
		branch := make(map[string]bool, len(visited)+1)
		for seen := range visited {
			branch[seen] = true
		}
		branch[nextID] = true

		sub, err := s.expand(ctx, tree, nextID, depth, down, branch, level+1)
		if err != nil {
			return expansion{}, err
		}
		if down {
			node.Dependencies = sub.children
		} else {
			node.Dependents = sub.children
		}
		if sub.depth+1 > out.depth {
			out.depth = sub.depth + 1
		} else if out.depth == 0 {
			out.depth = 1
		}
		out.children = append(out.children, node)
	}
	return out, nil
}

// targetForTree loads a tree neighbor; opaque gate targets and hard-deleted
// elements are skipped.
func (s *Service) targetForTree(ctx context.Context, id string) (*models.Element, error) {
	el, err := s.repo.GetElement(ctx, id, true)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return el, nil
}
