package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
)

// Setting keys read through Settings.
const (
	SettingStagingDir       = "modules.staging_dir"
	SettingModularDeployDir = "modules.modular_deploy_dir"
	SettingCustomDeployDir  = "modules.custom_deploy_dir"
)

// temp download directories are named modules<random>temp
const (
	tempDirPrefix = "modules"
	tempDirSuffix = "temp"
)

// Settings supplies string-valued configuration by key.
type Settings interface {
	Setting(key string) string
}

type SettingsMap map[string]string

func (m SettingsMap) Setting(key string) string { return m[key] }

// DeploySettingKey returns the setting holding the deploy directory of t.
func DeploySettingKey(t module.Type) string {
	switch t {
	case module.ModularAssertion:
		return SettingModularDeployDir
	case module.CustomAssertion:
		return SettingCustomDeployDir
	default:
		return ""
	}
}

type deployDir struct {
	path     string
	writable bool
}

// Dirs resolves the staging and deploy directory roles on first use and
// keeps each result once it validates. A directory that later becomes
// unwritable is not re-detected.
type Dirs struct {
	settings Settings
	writable func(dir string) bool

	mu      sync.Mutex
	root    string
	temp    string
	staging map[module.Type]string
	deploy  map[module.Type]deployDir
}

func NewDirs(settings Settings) *Dirs {
	return &Dirs{
		settings: settings,
		writable: IsDirectoryWritable,
		staging:  make(map[module.Type]string),
		deploy:   make(map[module.Type]deployDir),
	}
}

// IsDirectoryWritable reports whether dir exists, is a directory and the
// process may create files in it.
func IsDirectoryWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	ok := canWrite(dir)
	logs.Debugf("IsDirectoryWritable(%s): %v", dir, ok)
	return ok
}

// Root returns the validated root staging directory.
func (d *Dirs) Root() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rootLocked()
}

func (d *Dirs) rootLocked() (string, error) {
	if d.root != "" {
		return d.root, nil
	}
	configured := strings.TrimSpace(d.settings.Setting(SettingStagingDir))
	if configured == "" {
		return "", newError(KindConfiguration, nil, "staging directory is empty or not configured (%s)", SettingStagingDir)
	}
	root, err := canonicalDir(configured)
	if err != nil {
		return "", newError(KindConfiguration, err, "staging directory %q does not exist", configured)
	}
	if !d.writable(root) {
		return "", newError(KindConfiguration, nil, "staging directory %q is not writable", root)
	}
	d.root = root
	return root, nil
}

// Staging returns the validated staging subdirectory for t.
func (d *Dirs) Staging(t module.Type) (string, error) {
	if !t.Valid() {
		return "", newError(KindUnsupportedType, nil, "unsupported module type %s", t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if dir, ok := d.staging[t]; ok {
		return dir, nil
	}
	root, err := d.rootLocked()
	if err != nil {
		return "", err
	}
	dir, err := canonicalDir(filepath.Join(root, t.DirName()))
	if err != nil {
		return "", newError(KindConfiguration, err, "%s staging directory %q does not exist", t.DirName(), filepath.Join(root, t.DirName()))
	}
	if !d.writable(dir) {
		return "", newError(KindConfiguration, nil, "%s staging directory %q is not writable", t.DirName(), dir)
	}
	d.staging[t] = dir
	return dir, nil
}

// Deploy returns the deploy directory for t and whether this process may
// write into it. Only the existence of the directory is a hard
// requirement; an unwritable deploy directory means modules get staged.
func (d *Dirs) Deploy(t module.Type) (string, bool, error) {
	key := DeploySettingKey(t)
	if key == "" {
		return "", false, newError(KindUnsupportedType, nil, "unsupported module type %s", t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if dd, ok := d.deploy[t]; ok {
		return dd.path, dd.writable, nil
	}
	configured := strings.TrimSpace(d.settings.Setting(key))
	if configured == "" {
		return "", false, newError(KindConfiguration, nil, "%s deploy directory is empty or not configured (%s)", t.DirName(), key)
	}
	dir, err := canonicalDir(configured)
	if err != nil {
		return "", false, newError(KindConfiguration, err, "%s deploy directory %q is invalid", t.DirName(), configured)
	}
	dd := deployDir{path: dir, writable: d.writable(dir)}
	d.deploy[t] = dd
	return dd.path, dd.writable, nil
}

// Temp returns this process's download directory under the staging root,
// creating it on first use.
func (d *Dirs) Temp() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.temp != "" {
		return d.temp, nil
	}
	root, err := d.rootLocked()
	if err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(root, tempDirPrefix+"*"+tempDirSuffix)
	if err != nil {
		return "", newError(KindConfiguration, err, "unable to create staging temporary directory in %q", root)
	}
	if !d.writable(tmp) {
		_ = os.Remove(tmp)
		return "", newError(KindConfiguration, nil, "staging temporary directory %q is not writable", tmp)
	}
	d.temp = tmp
	return tmp, nil
}

// releaseTemp forgets and returns the current temp directory.
func (d *Dirs) releaseTemp() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	tmp := d.temp
	d.temp = ""
	return tmp
}

func (d *Dirs) currentTemp() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.temp
}

func canonicalDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}

func isTempDirName(name string) bool {
	return strings.HasPrefix(name, tempDirPrefix) && strings.HasSuffix(name, tempDirSuffix) &&
		len(name) > len(tempDirPrefix)+len(tempDirSuffix)
}
