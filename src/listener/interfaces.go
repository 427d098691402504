package listener

import (
	"context"

	"github.com/danmuck/modsync/src/module"
)

// Storage is the persistence the listener reconciles against.
type Storage interface {
	FindAll(ctx context.Context) ([]*module.Record, error)
	FindByPrimaryKey(ctx context.Context, id module.ID) (*module.Record, error)
	UpdateState(ctx context.Context, id module.ID, state module.State) error
	UpdateStateError(ctx context.Context, id module.ID, msg string) error
	RemoveState(ctx context.Context, id module.ID) error
	FindStateForCurrentNode(ctx context.Context, rec *module.Record) (*module.NodeState, error)
	IsUploadEnabled(ctx context.Context) bool
}

// Installer places and removes module files on this node.
type Installer interface {
	Install(ctx context.Context, rec *module.Record, placed func(module.State)) (module.State, error)
	Uninstall(ctx context.Context, rec *module.Record) error
	SweepTemp() error
}

// Finder answers which module code the runtime currently has active.
type Finder interface {
	ModuleForClassName(className string) (*module.LoadedModule, bool)
	ModuleForClassLoader(loaderID string) (*module.LoadedModule, bool)
	MostRecentModuleForPackage(pkg string) (*module.LoadedModule, bool)
	LoadedModules() []module.LoadedModule
}

// Transactor runs fn in a storage transaction. Calls made with a context
// that already carries a transaction join it.
type Transactor interface {
	InTransaction(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error
}
