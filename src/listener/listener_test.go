package listener

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/modsync/src/audit"
	"github.com/danmuck/modsync/src/events"
	"github.com/danmuck/modsync/src/module"
	"github.com/danmuck/modsync/src/module_store"
	"github.com/danmuck/modsync/src/staging"
)

var fooBytes = []byte("PK\x03\x04 foo module")

type countingContent struct {
	src   staging.ContentSource
	mu    sync.Mutex
	opens map[module.ID]int
}

func (c *countingContent) OpenContent(ctx context.Context, id module.ID) (io.ReadCloser, error) {
	c.mu.Lock()
	c.opens[id]++
	c.mu.Unlock()
	return c.src.OpenContent(ctx, id)
}

func (c *countingContent) count(id module.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[id]
}

type fakeFinder struct {
	loaded []module.LoadedModule
}

func (f *fakeFinder) ModuleForClassName(string) (*module.LoadedModule, bool)         { return nil, false }
func (f *fakeFinder) ModuleForClassLoader(string) (*module.LoadedModule, bool)       { return nil, false }
func (f *fakeFinder) MostRecentModuleForPackage(string) (*module.LoadedModule, bool) { return nil, false }
func (f *fakeFinder) LoadedModules() []module.LoadedModule                           { return f.loaded }

type auditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditLog) Audit(e audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *auditLog) actions(id module.ID) []audit.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Action
	for _, e := range a.events {
		if e.ModuleID == id {
			out = append(out, e.Action)
		}
	}
	return out
}

type harness struct {
	store    *module_store.Store
	content  *countingContent
	finder   *fakeFinder
	audits   *auditLog
	listener *Listener

	stagingDir string
	deployDir  string
	readOnly   map[string]bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	h := &harness{
		stagingDir: filepath.Join(base, "staging"),
		deployDir:  filepath.Join(base, "deploy", "modular"),
		finder:     &fakeFinder{},
		audits:     &auditLog{},
		readOnly:   make(map[string]bool),
	}
	for _, dir := range []string{
		filepath.Join(h.stagingDir, "modular"),
		filepath.Join(h.stagingDir, "custom"),
		h.deployDir,
		filepath.Join(base, "deploy", "custom"),
	} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	store, err := module_store.Open(module_store.DefaultConfig(filepath.Join(base, "storage"), "node-a"))
	require.NoError(t, err)
	h.store = store
	h.content = &countingContent{src: store, opens: make(map[module.ID]int)}

	settings := staging.SettingsMap{
		staging.SettingStagingDir:       h.stagingDir,
		staging.SettingModularDeployDir: h.deployDir,
		staging.SettingCustomDeployDir:  filepath.Join(base, "deploy", "custom"),
	}
	installer := staging.NewInstaller(settings, h.content,
		staging.WithNodeID("node-a"),
		staging.WithAudit(h.audits),
		staging.WithWritableCheck(func(dir string) bool {
			for ro := range h.readOnly {
				if resolved, err := filepath.EvalSymlinks(ro); err == nil && resolved == dir {
					return false
				}
			}
			return staging.IsDirectoryWritable(dir)
		}),
	)
	t.Cleanup(func() { installer.Close() })

	h.listener = New(store, installer, h.finder,
		WithTransactor(store),
		WithAudit(h.audits),
		WithNodeID("node-a"),
	)
	return h
}

func (h *harness) save(t *testing.T, name, fileName string, content []byte) *module.Record {
	t.Helper()
	rec, _, err := h.store.Save(context.Background(), module_store.Upload{
		Name:     name,
		Type:     module.ModularAssertion,
		FileName: fileName,
		Content:  strings.NewReader(string(content)),
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) state(t *testing.T, rec *module.Record) *module.NodeState {
	t.Helper()
	ns, err := h.store.FindStateForCurrentNode(context.Background(), rec)
	require.NoError(t, err)
	return ns
}

func (h *harness) handle(ev events.Event) {
	h.listener.Handle(context.Background(), ev)
}

func TestCreateThenRegisterIsLoaded(t *testing.T) {
	h := newHarness(t)
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))

	assert.Equal(t, module.Deployed, module.StateOf(h.state(t, rec)))
	got, err := os.ReadFile(filepath.Join(h.deployDir, "foo.jar"))
	require.NoError(t, err)
	assert.Equal(t, fooBytes, got)

	h.handle(events.ModuleRegistered{FileName: "foo.jar", Type: module.ModularAssertion})
	assert.Equal(t, module.Loaded, module.StateOf(h.state(t, rec)))
	assert.Equal(t,
		[]audit.Action{audit.Installing, audit.InstallDeployed, audit.Loaded},
		h.audits.actions(rec.ID))
}

func TestReadOnlyDeployDirStages(t *testing.T) {
	h := newHarness(t)
	h.readOnly[h.deployDir] = true
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))

	assert.Equal(t, module.Staged, module.StateOf(h.state(t, rec)))
	assert.FileExists(t, filepath.Join(h.stagingDir, "modular", "foo.jar"))
	assert.NoFileExists(t, filepath.Join(h.deployDir, "foo.jar"))
	assert.Contains(t, h.audits.actions(rec.ID), audit.DeployPermission)
}

func TestDeleteRemovesFilesAndForgetsModule(t *testing.T) {
	h := newHarness(t)
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))
	require.FileExists(t, filepath.Join(h.deployDir, "foo.jar"))
	staged := filepath.Join(h.stagingDir, "modular", "foo.jar")
	require.NoError(t, os.WriteFile(staged, fooBytes, 0o644))

	_, err := h.store.Delete(context.Background(), rec.ID)
	require.NoError(t, err)
	h.handle(events.Changed(rec.ID, events.OpDelete))

	assert.NoFileExists(t, filepath.Join(h.deployDir, "foo.jar"))
	assert.NoFileExists(t, staged)
	_, ok := h.listener.Cache().Get(rec.ID)
	assert.False(t, ok)

	// a late registration for the same file is ignored
	h.handle(events.ModuleRegistered{FileName: "foo.jar", Type: module.ModularAssertion})
	assert.NotContains(t, h.audits.actions(rec.ID), audit.Loaded)
	assert.Contains(t, h.audits.actions(rec.ID), audit.UninstallSucceeded)
}

func TestStartupSkipsLoadedModules(t *testing.T) {
	h := newHarness(t)
	loaded := h.save(t, "loaded", "loaded.jar", []byte("loaded bytes"))
	fresh := h.save(t, "fresh", "fresh.jar", []byte("fresh bytes"))
	require.NoError(t, h.store.UpdateState(context.Background(), loaded.ID, module.Loaded))

	h.handle(events.Started{})

	assert.Equal(t, 0, h.content.count(loaded.ID), "loaded module must not be downloaded again")
	assert.Equal(t, module.Loaded, module.StateOf(h.state(t, loaded)))
	assert.Equal(t, module.Deployed, module.StateOf(h.state(t, fresh)))
	assert.Equal(t, 2, h.listener.Cache().Len())
	assert.True(t, h.listener.Started())
}

func TestStartupMarksActiveModulesLoaded(t *testing.T) {
	h := newHarness(t)
	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.finder.loaded = []module.LoadedModule{{
		FileName: "foo.jar",
		Type:     module.ModularAssertion,
		Digest:   rec.Digest,
	}}

	h.handle(events.Started{})

	assert.Equal(t, module.Loaded, module.StateOf(h.state(t, rec)))
	assert.Equal(t, 0, h.content.count(rec.ID))
	assert.Equal(t, []audit.Action{audit.Loaded}, h.audits.actions(rec.ID))
}

func TestStartupDoesNotRetryFailedOrPlacedModules(t *testing.T) {
	h := newHarness(t)
	failed := h.save(t, "failed", "failed.jar", []byte("failed bytes"))
	staged := h.save(t, "staged", "staged.jar", []byte("staged bytes"))
	require.NoError(t, h.store.UpdateStateError(context.Background(), failed.ID, "disk full"))
	require.NoError(t, h.store.UpdateState(context.Background(), staged.ID, module.Staged))

	h.handle(events.Started{})

	assert.Equal(t, 0, h.content.count(failed.ID))
	assert.Equal(t, 0, h.content.count(staged.ID))
	assert.Equal(t, "disk full", h.state(t, failed).ErrorMessage)
}

func TestMissingDeployDirRecordsConfigurationError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.RemoveAll(h.deployDir))
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))

	ns := h.state(t, rec)
	require.NotNil(t, ns)
	assert.Equal(t, module.Error, ns.State)
	assert.Contains(t, ns.ErrorMessage, "deploy directory")
	assert.Equal(t, 0, h.content.count(rec.ID))
	assert.Equal(t, []audit.Action{audit.InstallFailed}, h.audits.actions(rec.ID))
	assert.NoFileExists(t, filepath.Join(h.stagingDir, "modular", "foo.jar"))

	// once the directory exists, re-saving the same module retries
	require.NoError(t, os.MkdirAll(h.deployDir, 0o755))
	rec = h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpUpdate))

	ns = h.state(t, rec)
	require.NotNil(t, ns)
	assert.Equal(t, module.Deployed, ns.State)
	assert.Empty(t, ns.ErrorMessage)
	assert.Equal(t, 1, h.content.count(rec.ID))
	assert.FileExists(t, filepath.Join(h.deployDir, "foo.jar"))

	// a placed module is not installed again by an unchanged update
	h.handle(events.Changed(rec.ID, events.OpUpdate))
	assert.Equal(t, 1, h.content.count(rec.ID))
}

func TestMoveFailureLeavesDestinationAlone(t *testing.T) {
	h := newHarness(t)
	h.handle(events.Started{})

	target := filepath.Join(h.deployDir, "foo.jar")
	require.NoError(t, os.MkdirAll(target, 0o755))
	marker := filepath.Join(target, "keep")
	require.NoError(t, os.WriteFile(marker, []byte("operator data"), 0o644))

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))

	ns := h.state(t, rec)
	require.NotNil(t, ns)
	assert.Equal(t, module.Error, ns.State)
	assert.Contains(t, ns.ErrorMessage, "not a regular file")
	assert.DirExists(t, target)
	assert.FileExists(t, marker)
	assert.NoFileExists(t, filepath.Join(h.stagingDir, "modular", "foo.jar"))
	assert.Equal(t, []audit.Action{audit.Installing, audit.InstallFailed}, h.audits.actions(rec.ID))

	// clearing the obstruction and notifying again installs the module
	require.NoError(t, os.RemoveAll(target))
	h.handle(events.Changed(rec.ID, events.OpUpdate))
	assert.Equal(t, module.Deployed, module.StateOf(h.state(t, rec)))
	assert.FileExists(t, target)
}

type failingUninstaller struct {
	Installer
	err error
}

func (f failingUninstaller) Uninstall(context.Context, *module.Record) error {
	return f.err
}

func TestFailedUninstallOnDeleteRecordsError(t *testing.T) {
	h := newHarness(t)
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))
	require.Equal(t, module.Deployed, module.StateOf(h.state(t, rec)))

	h.listener.installer = failingUninstaller{
		Installer: h.listener.installer,
		err:       errors.New("permission denied"),
	}
	h.handle(events.Changed(rec.ID, events.OpDelete))

	ns := h.state(t, rec)
	require.NotNil(t, ns, "failed uninstall keeps the node state")
	assert.Equal(t, module.Error, ns.State)
	assert.Contains(t, ns.ErrorMessage, "permission denied")
	assert.FileExists(t, filepath.Join(h.deployDir, "foo.jar"))

	actions := h.audits.actions(rec.ID)
	require.NotEmpty(t, actions)
	assert.Equal(t, audit.UninstallFailed, actions[len(actions)-1])

	_, cached := h.listener.Cache().Get(rec.ID)
	assert.False(t, cached)
}

func TestBatchContinuesAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.EntityChanged{Changes: []events.Change{
		{ID: "never-cached", Op: events.OpDelete},
		{ID: "gone", Op: events.OpUpdate},
		{ID: rec.ID, Op: events.OpCreate},
	}})

	assert.Equal(t, module.Deployed, module.StateOf(h.state(t, rec)))
}

func TestEventsBeforeStartupAreIgnored(t *testing.T) {
	h := newHarness(t)
	rec := h.save(t, "foo", "foo.jar", fooBytes)

	h.handle(events.Changed(rec.ID, events.OpCreate))
	h.handle(events.LicenseChanged{})

	assert.Nil(t, h.state(t, rec))
	assert.Equal(t, 0, h.listener.Cache().Len())
	assert.False(t, h.listener.Started())
}

func TestUpdateWithNewFileNameMovesFile(t *testing.T) {
	h := newHarness(t)
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))
	require.FileExists(t, filepath.Join(h.deployDir, "foo.jar"))

	rec = h.save(t, "foo", "foo-2.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpUpdate))

	assert.NoFileExists(t, filepath.Join(h.deployDir, "foo.jar"))
	assert.FileExists(t, filepath.Join(h.deployDir, "foo-2.jar"))
	assert.Equal(t, module.Deployed, module.StateOf(h.state(t, rec)))

	id, ok := h.listener.Cache().FindByTypeAndFileName(module.ModularAssertion, "foo-2.jar")
	assert.True(t, ok)
	assert.Equal(t, rec.ID, id)
}

func TestUploadsDisabledLeavesModulesAlone(t *testing.T) {
	h := newHarness(t)
	h.store.SetUploadEnabled(false)
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))

	assert.Nil(t, h.state(t, rec))
	assert.NoFileExists(t, filepath.Join(h.deployDir, "foo.jar"))
	_, ok := h.listener.Cache().Get(rec.ID)
	assert.True(t, ok, "module is still tracked")
}

type panickingInstaller struct {
	Installer
	panicOn module.ID
}

func (p panickingInstaller) Install(ctx context.Context, rec *module.Record, placed func(module.State)) (module.State, error) {
	if rec.ID == p.panicOn {
		panic("installer bug")
	}
	return p.Installer.Install(ctx, rec, placed)
}

func TestPanicDoesNotStopProcessing(t *testing.T) {
	h := newHarness(t)
	bad := h.save(t, "bad", "bad.jar", []byte("bad bytes"))
	good := h.save(t, "good", "good.jar", []byte("good bytes"))

	h.listener.installer = panickingInstaller{Installer: h.listener.installer, panicOn: bad.ID}
	h.handle(events.Started{})

	assert.Nil(t, h.state(t, bad), "panicking module's transaction is rolled back")
	assert.Equal(t, module.Deployed, module.StateOf(h.state(t, good)))

	assert.NotPanics(t, func() {
		h.handle(events.Changed(bad.ID, events.OpUpdate))
	})
}

func TestRunsWithoutTransactor(t *testing.T) {
	h := newHarness(t)
	h.listener.tx = nil
	h.handle(events.Started{})

	rec := h.save(t, "foo", "foo.jar", fooBytes)
	h.handle(events.Changed(rec.ID, events.OpCreate))
	assert.Equal(t, module.Deployed, module.StateOf(h.state(t, rec)))
}
