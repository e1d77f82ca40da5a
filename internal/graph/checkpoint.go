package graph

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Checkpoint is one persisted (thread, step, state) triple. Checkpoints
// are append-only per thread; the highest step is authoritative.
type Checkpoint[S any] struct {
	ThreadID string    `json:"thread_id"`
	Step     int       `json:"step"`
	NodeID   string    `json:"node_id"`
	Next     string    `json:"next,omitempty"`
	State    S         `json:"state"`
	SavedAt  time.Time `json:"saved_at"`

	// Interrupted names the node awaiting an external reply; non-empty
	// only for checkpoints written at an interrupt boundary.
	Interrupted      string         `json:"interrupted,omitempty"`
	InterruptPayload map[string]any `json:"interrupt_payload,omitempty"`

	// StateHash is the blake3 hex digest of the serialized state, written
	// on save and verified on load. Mismatch means corruption.
	StateHash string `json:"state_hash,omitempty"`
}

// Checkpointer persists per-thread execution snapshots. Implementations
// must serialize writes to the same thread id.
type Checkpointer[S any] interface {
	Save(ctx context.Context, cp Checkpoint[S]) error
	// LoadLatest returns the highest-step checkpoint for the thread, or
	// ok=false when none exists.
	LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], bool, error)
}

// ErrCorruptCheckpoint distinguishes integrity failures from absence.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

func hashState[S any](state S) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MemoryCheckpointer keeps checkpoints in process memory. It precludes
// crash recovery and exists for tests and ephemeral runs; production runs
// use FileCheckpointer.
type MemoryCheckpointer[S any] struct {
	mu      sync.Mutex
	threads map[string][]Checkpoint[S]
}

func NewMemoryCheckpointer[S any]() *MemoryCheckpointer[S] {
	return &MemoryCheckpointer[S]{threads: map[string][]Checkpoint[S]{}}
}

func (m *MemoryCheckpointer[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := hashState(cp.State)
	if err != nil {
		return err
	}
	cp.StateHash = h
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], cp)
	return nil
}

func (m *MemoryCheckpointer[S]) LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint[S]{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return Checkpoint[S]{}, false, nil
	}
	return cps[len(cps)-1], true, nil
}

// FileCheckpointer stores one file per (thread, step) under
// root/<thread>/<step>.json, written atomically. Surviving a cold restart
// is the point: LoadLatest scans the thread directory and returns the
// highest intact step.
type FileCheckpointer[S any] struct {
	root string
	mu   sync.Mutex
}

func NewFileCheckpointer[S any](root string) *FileCheckpointer[S] {
	return &FileCheckpointer[S]{root: root}
}

func (f *FileCheckpointer[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := hashState(cp.State)
	if err != nil {
		return err
	}
	cp.StateHash = h

	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Join(f.root, sanitizeThreadID(cp.ThreadID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, fmt.Sprintf("%06d.json", cp.Step)), b)
}

func (f *FileCheckpointer[S]) LoadLatest(ctx context.Context, threadID string) (Checkpoint[S], bool, error) {
	var zero Checkpoint[S]
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	dir := filepath.Join(f.root, sanitizeThreadID(threadID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zero, false, nil
		}
		return zero, false, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return zero, false, nil
	}
	// Highest step first; fall back to earlier steps past corrupt files.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		cp, err := readCheckpointFile[S](filepath.Join(dir, name))
		if err != nil {
			continue
		}
		return cp, true, nil
	}
	return zero, false, fmt.Errorf("%w: thread %s has no intact checkpoint", ErrCorruptCheckpoint, threadID)
}

func readCheckpointFile[S any](path string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	b, err := os.ReadFile(path)
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(b, &cp); err != nil {
		return cp, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if cp.StateHash != "" {
		h, err := hashState(cp.State)
		if err != nil {
			return cp, err
		}
		if h != cp.StateHash {
			return cp, fmt.Errorf("%w: state hash mismatch in %s", ErrCorruptCheckpoint, filepath.Base(path))
		}
	}
	return cp, nil
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

func sanitizeThreadID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "thread"
	}
	return out
}
