package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
)

// Event is one notification delivered to the module listener.
type Event interface {
	event()
	String() string
}

// Op is the kind of change made to a stored module entity.
type Op int

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown entity operation %q", s)
}

// Started is delivered once the node is ready to reconcile modules.
type Started struct{}

// Change is a single invalidated module entity.
type Change struct {
	ID module.ID
	Op Op
}

// EntityChanged carries a batch of changes in invalidation order.
type EntityChanged struct {
	Changes []Change
}

// ModuleRegistered reports that the runtime activated a module file.
type ModuleRegistered struct {
	FileName string
	Type     module.Type
}

// LicenseChanged is reserved; nothing reacts to it yet.
type LicenseChanged struct{}

func (Started) event()          {}
func (EntityChanged) event()    {}
func (ModuleRegistered) event() {}
func (LicenseChanged) event()   {}

func (Started) String() string { return "started" }

func (e EntityChanged) String() string {
	parts := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		parts = append(parts, c.Op.String()+":"+string(c.ID))
	}
	return "entity-changed[" + strings.Join(parts, ",") + "]"
}

func (e ModuleRegistered) String() string {
	return fmt.Sprintf("module-registered(%s %q)", e.Type, e.FileName)
}

func (LicenseChanged) String() string { return "license-changed" }

// Changed builds a single-change batch.
func Changed(id module.ID, op Op) EntityChanged {
	return EntityChanged{Changes: []Change{{ID: id, Op: op}}}
}

// Handler consumes events. It is called from a single goroutine.
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

type HandlerFunc func(ctx context.Context, ev Event)

func (f HandlerFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

var ErrBusClosed = errors.New("event bus closed")

// Bus delivers published events to one handler in publish order.
type Bus struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Publish queues ev, blocking while the buffer is full.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	select {
	case b.ch <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches events to h until ctx is cancelled, then drains whatever
// was already queued.
func (b *Bus) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ctx, h, ev)
		case <-ctx.Done():
			b.Close()
			b.drain(h)
			return nil
		case <-b.done:
			b.drain(h)
			return nil
		}
	}
}

// Close stops accepting events. A running Run drains the queue and returns.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) Len() int { return len(b.ch) }

func (b *Bus) drain(h Handler) {
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(context.Background(), h, ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev Event) {
	logs.Debugf("Bus.dispatch(): %s", ev)
	h.Handle(ctx, ev)
}
