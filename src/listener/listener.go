package listener

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/danmuck/modsync/src/audit"
	"github.com/danmuck/modsync/src/events"
	"github.com/danmuck/modsync/src/module"
	"github.com/danmuck/modsync/src/module_cache"
	"github.com/danmuck/modsync/src/staging"
	logs "github.com/danmuck/smplog"
)

// ErrUnknownModule is reported when a delete arrives for a module this node
// never cached. It points at a missed create or a replayed delete.
var ErrUnknownModule = errors.New("deleted module is not known to this node")

// Listener reconciles this node's module files and deployment states with
// central storage as lifecycle events arrive.
type Listener struct {
	storage   Storage
	installer Installer
	finder    Finder
	cache     *module_cache.Cache
	tx        Transactor
	audit     audit.Sink
	nodeID    string

	started atomic.Bool
}

// Option configures a Listener.
type Option func(*Listener)

// WithTransactor runs each module's processing in a storage transaction.
// Without one, storage calls are made directly.
func WithTransactor(tx Transactor) Option {
	return func(l *Listener) { l.tx = tx }
}

// WithAudit reports lifecycle steps to sink. The default discards them.
func WithAudit(sink audit.Sink) Option {
	return func(l *Listener) {
		if sink != nil {
			l.audit = sink
		}
	}
}

// WithNodeID tags log lines and audit events with this node's id.
func WithNodeID(nodeID string) Option {
	return func(l *Listener) { l.nodeID = nodeID }
}

// WithCache shares a known-module cache with other components.
func WithCache(c *module_cache.Cache) Option {
	return func(l *Listener) {
		if c != nil {
			l.cache = c
		}
	}
}

// New builds a listener with its own known-module cache. Events other than
// module registrations are ignored until Started has been handled.
func New(storage Storage, installer Installer, finder Finder, opts ...Option) *Listener {
	l := &Listener{
		storage:   storage,
		installer: installer,
		finder:    finder,
		cache:     module_cache.New(),
		audit:     audit.Discard,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) Cache() *module_cache.Cache { return l.cache }

// Started reports whether the startup event has been handled.
func (l *Listener) Started() bool { return l.started.Load() }

// Handle processes one event to completion. Failures are logged and never
// escape, so a bad event cannot stop the caller's delivery loop.
func (l *Listener) Handle(ctx context.Context, ev events.Event) {
	err := safely(func() error {
		switch e := ev.(type) {
		case events.Started:
			l.onStarted(ctx)
		case events.EntityChanged:
			if !l.started.Load() {
				logs.Debugf("Handle(%s): node not started, ignoring", e)
				return nil
			}
			l.onEntityChanged(ctx, e)
		case events.ModuleRegistered:
			l.onRegistered(ctx, e)
		case events.LicenseChanged:
			logs.Debugf("Handle(%s): nothing to do", e)
		default:
			logs.Warnf("Handle(): unsupported event %T", ev)
		}
		return nil
	})
	if err != nil {
		logs.Errorf(err, "Unexpected failure handling %v", ev)
	}
}

func (l *Listener) onStarted(ctx context.Context) {
	logs.Infof("Reconciling modules for node %s", l.nodeID)

	// stale entries must never drive an install decision
	l.cache.Clear()

	if err := l.installer.SweepTemp(); err != nil {
		logs.Warnf("failed to clean up old staging temp directories: %v", err)
	}

	var records []*module.Record
	err := l.inTx(ctx, true, func(ctx context.Context) error {
		recs, err := l.storage.FindAll(ctx)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	if err != nil {
		logs.Errorf(err, "Failed to load modules on startup")
		// still accept later changes
		l.started.Store(true)
		return
	}
	for _, rec := range records {
		l.cache.Put(rec.ID, rec)
	}
	l.started.Store(true)

	for _, rec := range records {
		err := l.inTx(ctx, false, func(ctx context.Context) error {
			return l.reconcile(ctx, rec)
		})
		if err != nil {
			logs.Errorf(err, "Failed to reconcile %s", rec)
		}
	}
	logs.Infof("Reconciled %d module(s)", len(records))
}

func (l *Listener) reconcile(ctx context.Context, rec *module.Record) error {
	ns, err := l.storage.FindStateForCurrentNode(ctx, rec)
	if err != nil {
		return err
	}
	if module.StateOf(ns) == module.Loaded {
		logs.Debugf("reconcile(%s): already loaded", rec.ID)
		return nil
	}
	if l.isActive(rec) {
		l.markLoaded(ctx, rec)
		return nil
	}
	return l.installIfNeeded(ctx, rec, ns, false)
}

func (l *Listener) onEntityChanged(ctx context.Context, e events.EntityChanged) {
	for _, change := range e.Changes {
		err := l.inTx(ctx, false, func(ctx context.Context) error {
			return l.processChange(ctx, change)
		})
		switch {
		case errors.Is(err, ErrUnknownModule):
			logs.Errorf(err, "Inconsistent module cache on node %s: %s of %s", l.nodeID, change.Op, change.ID)
		case err != nil:
			logs.Errorf(err, "Failed to process %s of module %s", change.Op, change.ID)
		}
	}
}

func (l *Listener) processChange(ctx context.Context, change events.Change) error {
	switch change.Op {
	case events.OpCreate, events.OpUpdate:
		return l.onSaved(ctx, change.ID)
	case events.OpDelete:
		return l.onDeleted(ctx, change.ID)
	default:
		return fmt.Errorf("unsupported entity operation %s", change.Op)
	}
}

func (l *Listener) onSaved(ctx context.Context, id module.ID) error {
	rec, err := l.storage.FindByPrimaryKey(ctx, id)
	if errors.Is(err, module.ErrNotFound) {
		// deleted before this notification was handled
		if _, err := l.cache.Remove(id); err == nil {
			logs.Debugf("onSaved(%s): module gone, dropped from cache", id)
		}
		return nil
	}
	if err != nil {
		return err
	}

	prev, replaced := l.cache.Put(id, rec)
	if replaced && prev.FileName() != "" && (prev.FileName() != rec.FileName() || prev.Type != rec.Type) {
		logs.Infof("Module %s moved from %q to %q", id, prev.FileName(), rec.FileName())
		l.uninstall(ctx, prev, false)
	}

	ns, err := l.storage.FindStateForCurrentNode(ctx, rec)
	if err != nil {
		return err
	}
	return l.installIfNeeded(ctx, rec, ns, true)
}

func (l *Listener) onDeleted(ctx context.Context, id module.ID) error {
	prev, err := l.cache.Remove(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	if !l.uninstall(ctx, prev, true) {
		// keep the ERROR state written by uninstall
		return nil
	}
	if err := l.storage.RemoveState(ctx, id); err != nil {
		logs.Warnf("failed to discard state of module %s: %v", id, err)
	}
	return nil
}

func (l *Listener) onRegistered(ctx context.Context, e events.ModuleRegistered) {
	id, ok := l.cache.FindByTypeAndFileName(e.Type, e.FileName)
	if !ok {
		logs.Debugf("onRegistered(%s): not a tracked module", e)
		return
	}
	rec, ok := l.cache.Get(id)
	if !ok {
		return
	}
	err := l.inTx(ctx, false, func(ctx context.Context) error {
		l.markLoaded(ctx, rec)
		return nil
	})
	if err != nil {
		logs.Errorf(err, "Failed to mark %s loaded", rec)
	}
}

// installIfNeeded installs modules with no state yet or an UPLOADED state
// without an error message. With retryFailed set, a failed module (ERROR,
// or UPLOADED carrying an error) is installed again. STAGED, DEPLOYED and
// LOADED modules are always left alone.
func (l *Listener) installIfNeeded(ctx context.Context, rec *module.Record, ns *module.NodeState, retryFailed bool) error {
	if ns != nil && !l.shouldInstall(ns, retryFailed) {
		logs.Debugf("installIfNeeded(%s): state %s, skipping", rec.ID, ns.State)
		return nil
	}
	if err := staging.Guard(l.storage.IsUploadEnabled(ctx), rec); err != nil {
		if errors.Is(err, staging.ErrUploadsDisabled) {
			logs.Debugf("installIfNeeded(%s): %v", rec.ID, err)
			return nil
		}
		l.fail(ctx, rec, audit.InstallFailed, err)
		return nil
	}

	state, err := l.installer.Install(ctx, rec, func(s module.State) {
		l.updateState(ctx, rec.ID, s)
	})
	if err != nil {
		if !staging.IsStagingError(err) {
			return err
		}
		l.fail(ctx, rec, audit.InstallFailed, err)
		return nil
	}
	logs.Infof("Installed %s: %s", rec, state)
	return nil
}

func (l *Listener) shouldInstall(ns *module.NodeState, retryFailed bool) bool {
	if ns.State == module.Uploaded && strings.TrimSpace(ns.ErrorMessage) == "" {
		return true
	}
	return retryFailed && (ns.State == module.Error || ns.State == module.Uploaded)
}

// uninstall removes rec's files and reports whether it did. recordFailure
// controls whether a failure is written to the module's node state. With
// uploads disabled nothing is touched and the call counts as done.
func (l *Listener) uninstall(ctx context.Context, rec *module.Record, recordFailure bool) bool {
	if err := staging.Guard(l.storage.IsUploadEnabled(ctx), rec); err != nil {
		if errors.Is(err, staging.ErrUploadsDisabled) {
			logs.Debugf("uninstall(%s): %v", rec.ID, err)
			return true
		}
		l.reportUninstallFailure(ctx, rec, err, recordFailure)
		return false
	}
	if err := l.installer.Uninstall(ctx, rec); err != nil {
		l.reportUninstallFailure(ctx, rec, err, recordFailure)
		return false
	}
	logs.Infof("Uninstalled %s", rec)
	return true
}

func (l *Listener) reportUninstallFailure(ctx context.Context, rec *module.Record, err error, recordFailure bool) {
	if recordFailure {
		l.fail(ctx, rec, audit.UninstallFailed, err)
		return
	}
	logs.Warnf("failed to uninstall %s: %v", rec, err)
	l.audit.Audit(audit.NewEvent(audit.UninstallFailed, rec, l.nodeID).WithMessage(err.Error()))
}

func (l *Listener) markLoaded(ctx context.Context, rec *module.Record) {
	l.updateState(ctx, rec.ID, module.Loaded)
	l.audit.Audit(audit.NewEvent(audit.Loaded, rec, l.nodeID))
	logs.Infof("Loaded %s", rec)
}

func (l *Listener) fail(ctx context.Context, rec *module.Record, action audit.Action, err error) {
	logs.Warnf("%s for %s: %v", action, rec, err)
	if uerr := l.storage.UpdateStateError(ctx, rec.ID, err.Error()); uerr != nil {
		logs.Warnf("failed to record error state of module %s: %v", rec.ID, uerr)
	}
	l.audit.Audit(audit.NewEvent(action, rec, l.nodeID).WithMessage(err.Error()))
}

// updateState never fails the caller; a lost state write is retried by the
// next startup scan.
func (l *Listener) updateState(ctx context.Context, id module.ID, state module.State) {
	if err := l.storage.UpdateState(ctx, id, state); err != nil {
		logs.Warnf("failed to update state of module %s to %s: %v", id, state, err)
	}
}

// isActive reports whether the runtime already runs rec's file.
func (l *Listener) isActive(rec *module.Record) bool {
	if l.finder == nil {
		return false
	}
	fileName := rec.FileName()
	for _, m := range l.finder.LoadedModules() {
		if m.Type != rec.Type || m.FileName != fileName {
			continue
		}
		if m.Digest != "" && rec.Digest != "" && !strings.EqualFold(m.Digest, rec.Digest) {
			continue
		}
		return true
	}
	return false
}

func (l *Listener) inTx(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	if l.tx == nil {
		return safely(func() error { return fn(ctx) })
	}
	return safely(func() error { return l.tx.InTransaction(ctx, readOnly, fn) })
}

// safely converts a panic in fn into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
