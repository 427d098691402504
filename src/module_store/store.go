package module_store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/modsync/src/events"
	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
)

var (
	ErrDuplicateFileName = errors.New("module file name already in use")
	ErrDuplicateDigest   = errors.New("module content already uploaded under another name")
	ErrEmptyContent      = errors.New("module content is empty")
)

// Store keeps module records, their bytes and the per-node deployment
// states on the local filesystem:
//
//	metadata/<id>.toml   record
//	data/<digest>.jar    module bytes
//	states/<id>.toml     node states
type Store struct {
	storageDir string
	config     StoreConfig
	lock       sync.RWMutex
	txLock     sync.Mutex

	records  map[module.ID]*module.Record
	byName   map[string]module.ID
	byDigest map[string]module.ID
	states   map[module.ID]map[string]module.NodeState

	uploadEnabled atomic.Bool
}

// Upload is a module submitted by an administrator.
type Upload struct {
	Name       string
	Type       module.Type
	FileName   string // defaults to Name
	Properties map[string]string
	Content    io.Reader
}

type stateFile struct {
	States []module.NodeState `toml:"states"`
}

// Open creates the storage layout if needed and loads every record and
// node state into memory.
func Open(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.StorageDir) == "" {
		return nil, errors.New("storage directory is not configured")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("node id is not configured")
	}

	s := &Store{
		storageDir: cfg.StorageDir,
		config:     cfg,
		records:    make(map[module.ID]*module.Record),
		byName:     make(map[string]module.ID),
		byDigest:   make(map[string]module.ID),
		states:     make(map[module.ID]map[string]module.NodeState),
	}
	s.uploadEnabled.Store(cfg.UploadEnabled)

	for _, sub := range []string{metadataDirName, dataDirName, statesDirName} {
		if err := os.MkdirAll(filepath.Join(cfg.StorageDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	if err := s.removeTempFiles(); err != nil {
		logs.Warnf("module store: %v", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	logs.Debugf("Open(%s): %d module(s) loaded", cfg.StorageDir, len(s.records))
	return s, nil
}

func (s *Store) load() error {
	metadataDir := filepath.Join(s.storageDir, metadataDirName)
	entries, err := os.ReadDir(metadataDir)
	if err != nil {
		return fmt.Errorf("failed to read metadata directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		var rec module.Record
		if _, err := toml.DecodeFile(filepath.Join(metadataDir, entry.Name()), &rec); err != nil {
			logs.Warnf("module store: skipping %s: %v", entry.Name(), err)
			continue
		}
		if rec.ID == "" || string(rec.ID)+".toml" != entry.Name() {
			logs.Warnf("module store: skipping %s: id %q does not match file name", entry.Name(), rec.ID)
			continue
		}
		s.index(&rec)

		var sf stateFile
		statesPath := s.statesPath(string(rec.ID))
		if _, err := toml.DecodeFile(statesPath, &sf); err != nil {
			if !os.IsNotExist(err) {
				logs.Warnf("module store: ignoring node states of %s: %v", rec.ID, err)
			}
			continue
		}
		byNode := make(map[string]module.NodeState, len(sf.States))
		for _, ns := range sf.States {
			byNode[ns.NodeID] = ns
		}
		s.states[rec.ID] = byNode
	}
	return nil
}

func (s *Store) index(rec *module.Record) {
	s.records[rec.ID] = rec
	s.byName[rec.Name] = rec.ID
	s.byDigest[strings.ToLower(rec.Digest)] = rec.ID
}

func (s *Store) unindex(rec *module.Record) {
	delete(s.records, rec.ID)
	delete(s.byName, rec.Name)
	delete(s.byDigest, strings.ToLower(rec.Digest))
	delete(s.states, rec.ID)
}

// Save creates a module or, when a module with the same name exists,
// replaces its content and attributes. Changing the bytes, type or file
// name resets every node's state so each node installs the new version.
func (s *Store) Save(ctx context.Context, up Upload) (*module.Record, events.Op, error) {
	name := strings.TrimSpace(up.Name)
	if name == "" {
		return nil, 0, errors.New("module name is required")
	}
	if !up.Type.Valid() {
		return nil, 0, fmt.Errorf("unsupported module type %s", up.Type)
	}
	fileName := strings.TrimSpace(up.FileName)
	if fileName == "" {
		fileName = name
	}
	if fileName != filepath.Base(fileName) || strings.ContainsAny(fileName, `/\`) || fileName == ".." {
		return nil, 0, fmt.Errorf("invalid module file name %q", fileName)
	}
	if up.Content == nil {
		return nil, 0, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	tmpPath, digest, size, err := s.spoolBlob(up.Content)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			logs.Warnf("module store: failed to remove %s: %v", tmpPath, err)
		}
	}()
	if size == 0 {
		return nil, 0, ErrEmptyContent
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var prev *module.Record
	if id, ok := s.byName[name]; ok {
		prev = s.records[id]
	}
	if owner, ok := s.byDigest[digest]; ok && (prev == nil || owner != prev.ID) {
		return nil, 0, fmt.Errorf("%w: %s", ErrDuplicateDigest, s.records[owner].Name)
	}
	for id, other := range s.records {
		if prev != nil && id == prev.ID {
			continue
		}
		if other.Type == up.Type && other.FileName() == fileName {
			return nil, 0, fmt.Errorf("%w: %s is used by %s", ErrDuplicateFileName, fileName, other.Name)
		}
	}

	blobPath := s.blobPath(digest)
	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		if err := os.Rename(tmpPath, blobPath); err != nil {
			return nil, 0, fmt.Errorf("failed to publish module content: %w", err)
		}
	}

	now := time.Now().UTC()
	op := events.OpCreate
	rec := &module.Record{
		ID:      module.ID(uuid.NewString()),
		Created: now,
	}
	if prev != nil {
		op = events.OpUpdate
		rec = prev.Clone()
	}
	rec.Name = name
	rec.Type = up.Type
	rec.Digest = digest
	rec.Size = size
	rec.Modified = now
	for k, v := range up.Properties {
		if rec.Properties == nil {
			rec.Properties = make(map[string]string, len(up.Properties))
		}
		rec.Properties[k] = v
	}
	rec.SetFileName(fileName)

	if err := writeTOMLAtomic(s.metadataPath(string(rec.ID)), rec); err != nil {
		return nil, 0, err
	}

	if prev != nil {
		changed := prev.Digest != rec.Digest || prev.Type != rec.Type || prev.FileName() != rec.FileName()
		states := s.states[prev.ID]
		if prev.Digest != rec.Digest {
			if err := os.Remove(s.blobPath(prev.Digest)); err != nil && !os.IsNotExist(err) {
				logs.Warnf("module store: failed to remove old content of %s: %v", rec.Name, err)
			}
		}
		s.unindex(prev)
		if changed {
			if err := os.Remove(s.statesPath(string(rec.ID))); err != nil && !os.IsNotExist(err) {
				logs.Warnf("module store: failed to reset node states of %s: %v", rec.Name, err)
			}
		} else if states != nil {
			s.states[rec.ID] = states
		}
	}
	s.index(rec)

	if s.config.Verbose {
		logs.Infof("module store: %s %s", op, rec)
	}
	return rec.Clone(), op, nil
}

// Delete removes a module, its bytes and all node states.
func (s *Store) Delete(ctx context.Context, id module.ID) (*module.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", module.ErrNotFound, id)
	}
	if err := os.Remove(s.metadataPath(string(id))); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to delete metadata file: %w", err)
	}
	if err := os.Remove(s.statesPath(string(id))); err != nil && !os.IsNotExist(err) {
		logs.Warnf("module store: failed to delete node states of %s: %v", id, err)
	}
	if err := os.Remove(s.blobPath(rec.Digest)); err != nil && !os.IsNotExist(err) {
		logs.Warnf("module store: failed to delete content of %s: %v", id, err)
	}
	s.unindex(rec)

	if s.config.Verbose {
		logs.Infof("module store: deleted %s", rec)
	}
	return rec.Clone(), nil
}

// List returns copies of every record ordered by name.
func (s *Store) List() []*module.Record {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]*module.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	slices.SortFunc(out, func(a, b *module.Record) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (s *Store) FindAll(ctx context.Context) ([]*module.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.List(), nil
}

// FindByPrimaryKey returns module.ErrNotFound for unknown ids.
func (s *Store) FindByPrimaryKey(ctx context.Context, id module.ID) (*module.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", module.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *Store) FindByName(name string) (*module.Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	id, ok := s.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", module.ErrNotFound, name)
	}
	return s.records[id].Clone(), nil
}

// OpenContent streams the stored bytes of a module.
func (s *Store) OpenContent(ctx context.Context, id module.ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	rec, ok := s.records[id]
	var path string
	if ok {
		path = s.blobPath(rec.Digest)
	}
	s.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", module.ErrNotFound, id)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open content of module %s: %w", id, err)
	}
	return f, nil
}

func (s *Store) IsUploadEnabled(ctx context.Context) bool {
	return s.uploadEnabled.Load()
}

func (s *Store) SetUploadEnabled(enabled bool) {
	s.uploadEnabled.Store(enabled)
}

func (s *Store) NodeID() string { return s.config.NodeID }
