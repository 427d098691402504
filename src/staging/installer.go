package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/modsync/src/audit"
	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
)

// ContentSource streams module bytes out of central storage.
type ContentSource interface {
	OpenContent(ctx context.Context, id module.ID) (io.ReadCloser, error)
}

// Installer moves module bytes between storage and the local filesystem.
type Installer struct {
	dirs    *Dirs
	content ContentSource
	audit   audit.Sink
	nodeID  string
}

// Option configures an Installer.
type Option func(*Installer)

// WithAudit reports install and uninstall steps to sink.
func WithAudit(sink audit.Sink) Option {
	return func(in *Installer) {
		if sink != nil {
			in.audit = sink
		}
	}
}

// WithNodeID tags audit events with this node's id.
func WithNodeID(nodeID string) Option {
	return func(in *Installer) { in.nodeID = nodeID }
}

// WithWritableCheck replaces the directory writability probe.
func WithWritableCheck(fn func(dir string) bool) Option {
	return func(in *Installer) {
		if fn != nil {
			in.dirs.writable = fn
		}
	}
}

// NewInstaller reads its directories from settings on first use and
// downloads module bytes from content.
func NewInstaller(settings Settings, content ContentSource, opts ...Option) *Installer {
	in := &Installer{
		dirs:    NewDirs(settings),
		content: content,
		audit:   audit.Discard,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Installer) Dirs() *Dirs { return in.dirs }

// Guard checks the preconditions shared by install and uninstall.
func Guard(uploadEnabled bool, rec *module.Record) error {
	if !uploadEnabled {
		return ErrUploadsDisabled
	}
	if _, err := moduleFileName(rec); err != nil {
		return err
	}
	if rec.Size <= 0 {
		return newError(KindData, nil, "module %s has no content", rec.ID)
	}
	return nil
}

// Install downloads rec into a temp file and moves it into the deploy
// directory when writable, otherwise into the staging directory. placed is
// invoked with the resulting state right after the move, before any
// staging cleanup. The temp file never outlives the call.
func (in *Installer) Install(ctx context.Context, rec *module.Record, placed func(module.State)) (module.State, error) {
	fileName, err := moduleFileName(rec)
	if err != nil {
		return module.Error, err
	}
	if rec.Size <= 0 {
		return module.Error, newError(KindData, nil, "module %s has no content", rec.ID)
	}
	deployPath, deployWritable, err := in.dirs.Deploy(rec.Type)
	if err != nil {
		return module.Error, err
	}
	stagingPath, err := in.dirs.Staging(rec.Type)
	if err != nil {
		return module.Error, err
	}
	tempDir, err := in.dirs.Temp()
	if err != nil {
		return module.Error, err
	}
	logs.Debugf("Install(%s): deploy %q (writable=%v), staging %q", rec.ID, deployPath, deployWritable, stagingPath)

	in.audit.Audit(audit.NewEvent(audit.Installing, rec, in.nodeID))

	tmpPath, err := in.download(ctx, rec, fileName, tempDir)
	if err != nil {
		return module.Error, err
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			logs.Warnf("failed to remove temporary module file %s: %v", tmpPath, err)
		}
	}()

	if deployWritable {
		if err := moveModule(tmpPath, filepath.Join(deployPath, fileName)); err != nil {
			return module.Error, err
		}
		if placed != nil {
			placed(module.Deployed)
		}
		// drop a copy staged before the deploy directory became writable
		if err := deleteModule(filepath.Join(stagingPath, fileName)); err != nil {
			logs.Debugf("Install(%s): ignoring stale staging copy: %v", rec.ID, err)
		}
		in.audit.Audit(audit.NewEvent(audit.InstallDeployed, rec, in.nodeID))
		return module.Deployed, nil
	}

	in.audit.Audit(audit.NewEvent(audit.DeployPermission, rec, in.nodeID).
		WithMessage(fmt.Sprintf("no write permission on %s", deployPath)))
	if err := moveModule(tmpPath, filepath.Join(stagingPath, fileName)); err != nil {
		return module.Error, err
	}
	if placed != nil {
		placed(module.Staged)
	}
	in.audit.Audit(audit.NewEvent(audit.InstallStaged, rec, in.nodeID))
	return module.Staged, nil
}

// Uninstall removes rec's file from the deploy directory (when writable)
// and from the staging directory. Missing files are not an error.
func (in *Installer) Uninstall(ctx context.Context, rec *module.Record) error {
	fileName, err := moduleFileName(rec)
	if err != nil {
		return err
	}
	deployPath, deployWritable, err := in.dirs.Deploy(rec.Type)
	if err != nil {
		return err
	}
	stagingPath, err := in.dirs.Staging(rec.Type)
	if err != nil {
		return err
	}
	logs.Debugf("Uninstall(%s): file %q, deploy %q, staging %q", rec.ID, fileName, deployPath, stagingPath)

	in.audit.Audit(audit.NewEvent(audit.Uninstalling, rec, in.nodeID))

	if deployWritable {
		if err := deleteModule(filepath.Join(deployPath, fileName)); err != nil {
			return newError(KindUninstall, err, "failed to uninstall module file %q", fileName)
		}
	}
	if err := deleteModule(filepath.Join(stagingPath, fileName)); err != nil {
		return newError(KindUninstall, err, "failed to uninstall module file %q", fileName)
	}

	in.audit.Audit(audit.NewEvent(audit.UninstallSucceeded, rec, in.nodeID))
	return nil
}

// SweepTemp removes download directories left behind by earlier processes.
func (in *Installer) SweepTemp() error {
	root, err := in.dirs.Root()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}
	current := in.dirs.currentTemp()

	var issues []string
	for _, entry := range entries {
		if !entry.IsDir() || !isTempDirName(entry.Name()) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if path == current {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		logs.Debugf("SweepTemp(): removed %s", path)
	}
	if len(issues) > 0 {
		return fmt.Errorf("failed to remove %d stale temp dir(s): %s", len(issues), strings.Join(issues, "; "))
	}
	return nil
}

// Close removes this process's temp download directory.
func (in *Installer) Close() error {
	tmp := in.dirs.releaseTemp()
	if tmp == "" {
		return nil
	}
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("failed to remove staging temp directory: %w", err)
	}
	return nil
}

func (in *Installer) download(ctx context.Context, rec *module.Record, fileName, tempDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError(KindDownload, err, "download of module %s aborted", rec.ID)
	}
	if in.content == nil {
		return "", newError(KindDownload, nil, "no content source configured")
	}

	rc, err := in.content.OpenContent(ctx, rec.ID)
	if err != nil {
		return "", newError(KindDownload, err, "failed to download module %s", rec.ID)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(tempDir, stripExtension(fileName)+"*.tmp")
	if err != nil {
		return "", newError(KindDownload, err, "failed to create temporary file for module %s", rec.ID)
	}
	tmpPath := tmp.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), rc)
	if err != nil {
		_ = tmp.Close()
		return "", newError(KindDownload, err, "failed to download module %s", rec.ID)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", newError(KindDownload, err, "failed to flush module %s", rec.ID)
	}
	if err := tmp.Close(); err != nil {
		return "", newError(KindDownload, err, "failed to close temporary file for module %s", rec.ID)
	}
	if n == 0 {
		return "", newError(KindData, nil, "module %s has no content", rec.ID)
	}
	if rec.Digest != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(got, rec.Digest) {
			return "", newError(KindDownload, nil, "module %s digest mismatch: got %s, expected %s", rec.ID, got, rec.Digest)
		}
	}

	logs.Debugf("download(%s): %d bytes into %s", rec.ID, n, tmpPath)
	cleanupTmp = false
	return tmpPath, nil
}

// moveModule replaces dest with src. The rename cannot overwrite portably,
// so an existing regular file is removed first.
func moveModule(src, dest string) error {
	info, err := os.Lstat(dest)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return newError(KindMove, nil, "destination %q is not a regular file", dest)
		}
		if err := os.Remove(dest); err != nil {
			return newError(KindMove, err, "failed to replace %q", dest)
		}
	case !os.IsNotExist(err):
		return newError(KindMove, err, "failed to inspect %q", dest)
	}

	if err := os.Rename(src, dest); err != nil {
		if !crossDevice(err) {
			return newError(KindMove, err, "failed to move module into %q", dest)
		}
		if err := copyInto(src, dest); err != nil {
			return newError(KindMove, err, "failed to move module into %q", dest)
		}
	}
	return nil
}

// copyInto publishes src at dest through a sibling temp file so dest is
// never observed half-written.
func copyInto(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	part, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"*.part")
	if err != nil {
		return err
	}
	partPath := part.Name()
	if _, err := io.Copy(part, in); err != nil {
		_ = part.Close()
		_ = os.Remove(partPath)
		return err
	}
	if err := part.Close(); err != nil {
		_ = os.Remove(partPath)
		return err
	}
	if err := os.Rename(partPath, dest); err != nil {
		_ = os.Remove(partPath)
		return err
	}
	return nil
}

// deleteModule is a no-op when path is missing or not a regular file.
func deleteModule(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete module file %s: %w", path, err)
	}
	logs.Debugf("deleteModule(%s): removed", path)
	return nil
}

func moduleFileName(rec *module.Record) (string, error) {
	if rec == nil {
		return "", newError(KindData, nil, "module record is missing")
	}
	if !rec.Type.Valid() {
		return "", newError(KindUnsupportedType, nil, "unsupported module type %s", rec.Type)
	}
	name := rec.FileName()
	if name == "" {
		return "", newError(KindData, nil, "module %s is missing the %q property", rec.ID, module.PropFileName)
	}
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", newError(KindData, nil, "module %s has an invalid file name %q", rec.ID, name)
	}
	return name, nil
}

// stripExtension returns fileName up to its last dot.
func stripExtension(fileName string) string {
	if pos := strings.LastIndex(fileName, "."); pos > 0 {
		return fileName[:pos]
	}
	return fileName
}

// IsStagingError reports whether err came out of the installer.
func IsStagingError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
