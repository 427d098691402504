package module_store

import (
	"fmt"
	"os"

	"github.com/danmuck/modsync/src/module"
)

// BlobError describes a single integrity problem found during verification.
type BlobError struct {
	ID   module.ID
	Name string
	Err  error
}

func (e BlobError) Error() string {
	return fmt.Sprintf("module %s (%s): %v", e.Name, e.ID, e.Err)
}

// Verify re-hashes the stored bytes of every module and compares them with
// the recorded digest and size. An empty result means healthy.
func (s *Store) Verify() []BlobError {
	var errs []BlobError
	for _, rec := range s.List() {
		if err := s.verifyBlob(rec); err != nil {
			errs = append(errs, BlobError{ID: rec.ID, Name: rec.Name, Err: err})
		}
	}
	return errs
}

func (s *Store) verifyBlob(rec *module.Record) error {
	path := s.blobPath(rec.Digest)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("content missing at %s", path)
		}
		return err
	}
	if info.Size() != rec.Size {
		return fmt.Errorf("size mismatch: %d bytes on disk, %d recorded", info.Size(), rec.Size)
	}
	digest, _, err := module.DigestFile(path)
	if err != nil {
		return err
	}
	if digest != rec.Digest {
		return fmt.Errorf("digest mismatch: got %s", digest)
	}
	return nil
}
