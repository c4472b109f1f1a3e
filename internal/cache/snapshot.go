package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/voxhome/command-resolver/internal/core/domain"
)

// FileSnapshotStore persists the cache as one JSON document, written via a
// temp file and rename so a crash mid-write cannot corrupt the snapshot.
type FileSnapshotStore struct {
	path string
}

func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

func (s *FileSnapshotStore) Save(_ context.Context, snap domain.CacheSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "marshal cache snapshot", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.WrapError(domain.ErrServiceUnavailable, "create snapshot dir", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return domain.WrapError(domain.ErrServiceUnavailable, "write cache snapshot", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return domain.WrapError(domain.ErrServiceUnavailable, "commit cache snapshot", err)
	}
	return nil
}

func (s *FileSnapshotStore) Load(_ context.Context) (domain.CacheSnapshot, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.CacheSnapshot{}, domain.WrapError(domain.ErrNotFound, "load cache snapshot", err)
		}
		return domain.CacheSnapshot{}, domain.WrapError(domain.ErrServiceUnavailable, "load cache snapshot", err)
	}
	var snap domain.CacheSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.CacheSnapshot{}, domain.WrapError(domain.ErrInvalidInput, "decode cache snapshot", err)
	}
	return snap, nil
}
