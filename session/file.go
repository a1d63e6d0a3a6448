package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/agentd/errors"
)

// FileStore keeps one indented JSON file per session.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create session directory")
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) CreateSession(ctx context.Context, workspace string) (*Session, error) {
	s := New(workspace)
	if err := f.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *FileStore) LoadSession(_ context.Context, id string) (*Session, error) {
	path, err := f.path(id)
	if err != nil {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	return &s, nil
}

// SaveSession writes the session through a temp file and rename.
func (f *FileStore) SaveSession(_ context.Context, s *Session) error {
	path, err := f.path(s.ID)
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "could not write session file %s", path)
	}
	return errors.Wrapf(os.Rename(tmp, path), "could not replace session file %s", path)
}

// ListSessions returns every stored session, most recently updated first.
func (f *FileStore) ListSessions(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list session directory")
	}
	var out []*Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := f.LoadSession(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *FileStore) Close() error { return nil }

// path maps an id to its file, rejecting ids that are not uuids so a
// request cannot escape the session directory.
func (f *FileStore) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", errors.New("invalid session id %q", id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}
