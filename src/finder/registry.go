package finder

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/modsync/src/module"
)

type fileKey struct {
	typ  module.Type
	name string
}

type entry struct {
	mod module.LoadedModule
	seq uint64
}

// Registry indexes the modules the runtime has loaded by file, class name,
// loader and package.
type Registry struct {
	mu       sync.RWMutex
	seq      uint64
	modules  map[fileKey]*entry
	byClass  map[string]fileKey
	byLoader map[string]fileKey
}

func NewRegistry() *Registry {
	return &Registry{
		modules:  make(map[fileKey]*entry),
		byClass:  make(map[string]fileKey),
		byLoader: make(map[string]fileKey),
	}
}

// Register records m, replacing an earlier registration of the same file.
// It reports whether one was replaced.
func (r *Registry) Register(m module.LoadedModule) bool {
	if m.LoadedAt.IsZero() {
		m.LoadedAt = time.Now().UTC()
	}
	m.Classes = slices.Clone(m.Classes)
	m.Packages = slices.Clone(m.Packages)
	key := fileKey{typ: m.Type, name: m.FileName}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.modules[key]
	if replaced {
		r.removeLocked(key)
	}
	r.seq++
	r.modules[key] = &entry{mod: m, seq: r.seq}
	for _, class := range m.Classes {
		r.byClass[class] = key
	}
	if m.LoaderID != "" {
		r.byLoader[m.LoaderID] = key
	}
	return replaced
}

// Unregister forgets the module loaded from fileName.
func (r *Registry) Unregister(t module.Type, fileName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(fileKey{typ: t, name: fileName})
}

func (r *Registry) removeLocked(key fileKey) bool {
	e, ok := r.modules[key]
	if !ok {
		return false
	}
	for _, class := range e.mod.Classes {
		if r.byClass[class] == key {
			delete(r.byClass, class)
		}
	}
	if r.byLoader[e.mod.LoaderID] == key {
		delete(r.byLoader, e.mod.LoaderID)
	}
	delete(r.modules, key)
	return true
}

func (r *Registry) ModuleForClassName(className string) (*module.LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byClass[className]
	if !ok {
		return nil, false
	}
	return r.copyLocked(key)
}

func (r *Registry) ModuleForClassLoader(loaderID string) (*module.LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byLoader[loaderID]
	if !ok {
		return nil, false
	}
	return r.copyLocked(key)
}

// MostRecentModuleForPackage returns the latest registered module that
// offers a resource in pkg.
func (r *Registry) MostRecentModuleForPackage(pkg string) (*module.LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.modules {
		if !slices.Contains(e.mod.Packages, pkg) {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	m := cloneLoaded(best.mod)
	return &m, true
}

// LoadedModules lists every registered module ordered by type and file name.
func (r *Registry) LoadedModules() []module.LoadedModule {
	r.mu.RLock()
	out := make([]module.LoadedModule, 0, len(r.modules))
	for _, e := range r.modules {
		out = append(out, cloneLoaded(e.mod))
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b module.LoadedModule) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.FileName, b.FileName)
	})
	return out
}

func (r *Registry) copyLocked(key fileKey) (*module.LoadedModule, bool) {
	e, ok := r.modules[key]
	if !ok {
		return nil, false
	}
	m := cloneLoaded(e.mod)
	return &m, true
}

func cloneLoaded(m module.LoadedModule) module.LoadedModule {
	m.Classes = slices.Clone(m.Classes)
	m.Packages = slices.Clone(m.Packages)
	return m
}
