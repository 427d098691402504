package module_store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	metadataDirName = "metadata"
	dataDirName     = "data"
	statesDirName   = "states"
	blobExtension   = ".jar"
)

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.storageDir, metadataDirName, id+".toml")
}

func (s *Store) statesPath(id string) string {
	return filepath.Join(s.storageDir, statesDirName, id+".toml")
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.storageDir, dataDirName, strings.ToLower(digest)+blobExtension)
}

// writeTOMLAtomic encodes v next to path and renames it into place, so
// readers only ever see a complete document.
func writeTOMLAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := toml.NewEncoder(tmpFile)
	encoder.Indent = "  "
	if err := encoder.Encode(v); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to atomically publish %s: %w", filepath.Base(path), err)
	}
	cleanupTmp = false
	return nil
}

// spoolBlob copies r into a temp file under the data directory and returns
// its path, hex digest and size. The caller owns the temp file.
func (s *Store) spoolBlob(r io.Reader) (string, string, int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.storageDir, dataDirName), "upload-*.tmp")
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmpFile, hasher), r)
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", "", 0, fmt.Errorf("failed to read module content: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", "", 0, fmt.Errorf("failed to flush module content: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", "", 0, fmt.Errorf("failed to close upload file: %w", err)
	}
	return tmpPath, hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// removeTempFiles drops upload and publish leftovers from a crashed process.
func (s *Store) removeTempFiles() error {
	var issues []string
	for _, sub := range []string{metadataDirName, dataDirName, statesDirName} {
		dir := filepath.Join(s.storageDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read %s directory: %w", sub, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
				issues = append(issues, fmt.Sprintf("%s/%s: %v", sub, entry.Name(), err))
			}
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("temp cleanup encountered %d issue(s): %s", len(issues), strings.Join(issues, "; "))
	}
	return nil
}
