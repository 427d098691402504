package module_store

import (
	"context"

	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
)

type txKey struct{}

type tx struct {
	id       string
	readOnly bool
	pending  []stateOp
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// InTransaction runs fn with node-state changes buffered until fn returns
// nil. A non-nil error or a panic discards them. Write transactions run one
// at a time; a call made inside another transaction joins it.
func (s *Store) InTransaction(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	t := &tx{id: uuid.NewString(), readOnly: readOnly}
	if !readOnly {
		s.txLock.Lock()
		defer s.txLock.Unlock()
	}

	committed := false
	defer func() {
		if !committed && len(t.pending) > 0 {
			logs.Debugf("InTransaction(%s): rolled back %d state change(s)", t.id, len(t.pending))
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := s.applyStateOps(t.pending); err != nil {
		return err
	}
	committed = true
	logs.Debugf("InTransaction(%s): committed %d state change(s)", t.id, len(t.pending))
	return nil
}
