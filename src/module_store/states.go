package module_store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/danmuck/modsync/src/module"
)

var ErrReadOnlyTx = errors.New("state change inside a read-only transaction")

type stateOp struct {
	id     module.ID
	remove bool
	state  module.NodeState
}

// UpdateState records state for this node and clears any error message.
func (s *Store) UpdateState(ctx context.Context, id module.ID, state module.State) error {
	return s.setState(ctx, id, module.NodeState{
		NodeID:  s.config.NodeID,
		State:   state,
		Updated: time.Now().UTC(),
	})
}

// UpdateStateError records an Error state carrying msg for this node.
func (s *Store) UpdateStateError(ctx context.Context, id module.ID, msg string) error {
	return s.setState(ctx, id, module.NodeState{
		NodeID:       s.config.NodeID,
		State:        module.Error,
		ErrorMessage: msg,
		Updated:      time.Now().UTC(),
	})
}

// RemoveState forgets this node's state for id. Unknown ids are ignored.
func (s *Store) RemoveState(ctx context.Context, id module.ID) error {
	return s.stage(ctx, stateOp{id: id, remove: true, state: module.NodeState{NodeID: s.config.NodeID}})
}

func (s *Store) setState(ctx context.Context, id module.ID, ns module.NodeState) error {
	s.lock.RLock()
	_, ok := s.records[id]
	s.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", module.ErrNotFound, id)
	}
	return s.stage(ctx, stateOp{id: id, state: ns})
}

// stage buffers op in the caller's write transaction or applies it now.
func (s *Store) stage(ctx context.Context, op stateOp) error {
	if t := txFrom(ctx); t != nil {
		if t.readOnly {
			return ErrReadOnlyTx
		}
		t.pending = append(t.pending, op)
		return nil
	}
	return s.applyStateOps([]stateOp{op})
}

func (s *Store) applyStateOps(ops []stateOp) error {
	if len(ops) == 0 {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	touched := make([]module.ID, 0, len(ops))
	for _, op := range ops {
		byNode := s.states[op.id]
		if op.remove {
			delete(byNode, op.state.NodeID)
		} else {
			if _, ok := s.records[op.id]; !ok {
				// deleted after the op was buffered
				continue
			}
			if byNode == nil {
				byNode = make(map[string]module.NodeState)
				s.states[op.id] = byNode
			}
			byNode[op.state.NodeID] = op.state
		}
		if !slices.Contains(touched, op.id) {
			touched = append(touched, op.id)
		}
	}

	var firstErr error
	for _, id := range touched {
		if err := s.persistStatesLocked(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) persistStatesLocked(id module.ID) error {
	path := s.statesPath(string(id))
	byNode := s.states[id]
	if _, ok := s.records[id]; !ok || len(byNode) == 0 {
		delete(s.states, id)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove node states of %s: %w", id, err)
		}
		return nil
	}
	return writeTOMLAtomic(path, stateFile{States: sortedStates(byNode)})
}

// FindStateForCurrentNode returns nil when this node has no state for rec.
// Changes buffered in the caller's transaction are visible.
func (s *Store) FindStateForCurrentNode(ctx context.Context, rec *module.Record) (*module.NodeState, error) {
	if rec == nil {
		return nil, errors.New("nil module record")
	}
	var found *module.NodeState

	s.lock.RLock()
	if ns, ok := s.states[rec.ID][s.config.NodeID]; ok {
		found = &ns
	}
	s.lock.RUnlock()

	if t := txFrom(ctx); t != nil {
		for _, op := range t.pending {
			if op.id != rec.ID || op.state.NodeID != s.config.NodeID {
				continue
			}
			if op.remove {
				found = nil
				continue
			}
			ns := op.state
			found = &ns
		}
	}
	return found, nil
}

// States returns every node's state for id ordered by node id.
func (s *Store) States(id module.ID) []module.NodeState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return sortedStates(s.states[id])
}

func sortedStates(byNode map[string]module.NodeState) []module.NodeState {
	out := make([]module.NodeState, 0, len(byNode))
	for _, ns := range byNode {
		out = append(out, ns)
	}
	slices.SortFunc(out, func(a, b module.NodeState) int { return cmp.Compare(a.NodeID, b.NodeID) })
	return out
}
