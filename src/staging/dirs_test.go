package staging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/modsync/src/module"
)

func TestDirsResolveAndMemoize(t *testing.T) {
	env := newTestEnv(t)
	calls := map[string]int{}
	writable := true

	d := NewDirs(SettingsMap{
		SettingStagingDir:       env.staging,
		SettingModularDeployDir: env.deploy,
		SettingCustomDeployDir:  env.custom,
	})
	d.writable = func(dir string) bool {
		calls[dir]++
		return writable
	}

	path, ok, err := d.Deploy(module.ModularAssertion)
	if err != nil || !ok {
		t.Fatalf("Deploy: path=%q writable=%v err=%v", path, ok, err)
	}

	// writability is not re-checked once resolved
	writable = false
	again, ok, err := d.Deploy(module.ModularAssertion)
	if err != nil || !ok || again != path {
		t.Fatalf("Expected memoized deploy dir, got %q writable=%v err=%v", again, ok, err)
	}
	if calls[path] != 1 {
		t.Fatalf("Expected one writability probe, got %d", calls[path])
	}

	writable = true
	staging, err := d.Staging(module.CustomAssertion)
	if err != nil {
		t.Fatalf("Staging failed: %v", err)
	}
	if filepath.Base(staging) != "custom" {
		t.Fatalf("Unexpected staging dir %q", staging)
	}

	tmp, err := d.Temp()
	if err != nil {
		t.Fatalf("Temp failed: %v", err)
	}
	if !isTempDirName(filepath.Base(tmp)) {
		t.Fatalf("Temp dir %q does not follow the naming scheme", tmp)
	}
	if again, _ := d.Temp(); again != tmp {
		t.Fatalf("Expected memoized temp dir, got %q and %q", tmp, again)
	}
	if err := os.RemoveAll(tmp); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
}

func TestDirsFailuresAreNotMemoized(t *testing.T) {
	env := newTestEnv(t)
	missing := filepath.Join(env.root, "later")

	d := NewDirs(SettingsMap{SettingStagingDir: env.staging, SettingModularDeployDir: missing})
	if _, _, err := d.Deploy(module.ModularAssertion); !errors.Is(err, KindConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}

	if err := os.MkdirAll(missing, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if _, _, err := d.Deploy(module.ModularAssertion); err != nil {
		t.Fatalf("Expected deploy dir to resolve after creation: %v", err)
	}
}

func TestDirsConfigurationErrors(t *testing.T) {
	env := newTestEnv(t)
	file := filepath.Join(env.root, "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tests := []struct {
		name     string
		settings SettingsMap
		writable bool
		check    func(d *Dirs) error
		contains string
	}{
		{
			name:     "staging root not configured",
			settings: SettingsMap{},
			writable: true,
			check:    func(d *Dirs) error { _, err := d.Root(); return err },
			contains: "not configured",
		},
		{
			name:     "staging root is a file",
			settings: SettingsMap{SettingStagingDir: file},
			writable: true,
			check:    func(d *Dirs) error { _, err := d.Root(); return err },
			contains: "does not exist",
		},
		{
			name:     "staging root not writable",
			settings: SettingsMap{SettingStagingDir: env.staging},
			writable: false,
			check:    func(d *Dirs) error { _, err := d.Root(); return err },
			contains: "not writable",
		},
		{
			name:     "custom deploy dir not configured",
			settings: SettingsMap{SettingStagingDir: env.staging},
			writable: true,
			check:    func(d *Dirs) error { _, _, err := d.Deploy(module.CustomAssertion); return err },
			contains: SettingCustomDeployDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDirs(tt.settings)
			d.writable = func(string) bool { return tt.writable }
			err := tt.check(d)
			if !errors.Is(err, KindConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Fatalf("Expected %q in %q", tt.contains, err.Error())
			}
		})
	}
}

func TestUnsupportedTypeDirs(t *testing.T) {
	d := NewDirs(SettingsMap{})
	if _, _, err := d.Deploy(module.Type(42)); !errors.Is(err, KindUnsupportedType) {
		t.Fatalf("Expected unsupported type error, got %v", err)
	}
	if _, err := d.Staging(module.Type(42)); !errors.Is(err, KindUnsupportedType) {
		t.Fatalf("Expected unsupported type error, got %v", err)
	}
	if DeploySettingKey(module.CustomAssertion) != SettingCustomDeployDir {
		t.Fatalf("Unexpected custom deploy key")
	}
}

func TestIsDirectoryWritable(t *testing.T) {
	dir := t.TempDir()
	if !IsDirectoryWritable(dir) {
		t.Fatalf("Expected %s to be writable", dir)
	}
	if IsDirectoryWritable(filepath.Join(dir, "missing")) {
		t.Fatal("Missing directory reported writable")
	}
	if os.Geteuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}
	ro := filepath.Join(dir, "ro")
	if err := os.Mkdir(ro, 0o555); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	t.Cleanup(func() { os.Chmod(ro, 0o755) })
	if IsDirectoryWritable(ro) {
		t.Fatalf("Expected %s to be read-only", ro)
	}
}
