// Package store persists design records. One record per design id; saves
// are atomic and serialized per id, loads never fail on missing or
// corrupt data.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store saves and loads raw design records as JSON documents keyed by id.
type Store interface {
	// Save atomically replaces the record for its id.
	Save(ctx context.Context, id string, doc json.RawMessage, updatedAt time.Time) error
	// Load returns the stored document, or ok=false on missing or corrupt.
	Load(ctx context.Context, id string) (json.RawMessage, bool)
	// List returns stored documents ordered by updated-at descending.
	List(ctx context.Context) ([]json.RawMessage, error)
}

// FileStore keeps one {id}.json per design under a root directory.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

type envelope struct {
	UpdatedAt time.Time       `json:"updated_at"`
	Doc       json.RawMessage `json:"doc"`
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.root, sanitizeID(id)+".json")
}

func (s *FileStore) Save(ctx context.Context, id string, doc json.RawMessage, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("store: empty id")
	}
	b, err := json.MarshalIndent(envelope{UpdatedAt: updatedAt, Doc: doc}, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path(id), b)
}

func (s *FileStore) Load(ctx context.Context, id string) (json.RawMessage, bool) {
	if ctx.Err() != nil || id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := readEnvelope(s.path(id))
	if err != nil {
		return nil, false
	}
	return env.Doc, true
}

func (s *FileStore) List(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var envs []envelope
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		env, err := readEnvelope(filepath.Join(s.root, e.Name()))
		if err != nil {
			// Corrupt entries are skipped, not fatal.
			continue
		}
		envs = append(envs, env)
	}
	sort.SliceStable(envs, func(i, j int) bool {
		return envs[i].UpdatedAt.After(envs[j].UpdatedAt)
	})
	out := make([]json.RawMessage, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Doc)
	}
	return out, nil
}

func readEnvelope(path string) (envelope, error) {
	var env envelope
	b, err := os.ReadFile(path)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, err
	}
	if len(env.Doc) == 0 {
		return env, fmt.Errorf("empty document")
	}
	return env, nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "design"
	}
	return out
}

// MemoryStore is the in-process variant for tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]envelope{}}
}

func (s *MemoryStore) Save(ctx context.Context, id string, doc json.RawMessage, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("store: empty id")
	}
	cp := make(json.RawMessage, len(doc))
	copy(cp, doc)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = envelope{UpdatedAt: updatedAt, Doc: cp}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (json.RawMessage, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.docs[id]
	if !ok {
		return nil, false
	}
	return env.Doc, true
}

func (s *MemoryStore) List(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	envs := make([]envelope, 0, len(s.docs))
	for _, env := range s.docs {
		envs = append(envs, env)
	}
	sort.SliceStable(envs, func(i, j int) bool {
		return envs[i].UpdatedAt.After(envs[j].UpdatedAt)
	})
	out := make([]json.RawMessage, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Doc)
	}
	return out, nil
}
