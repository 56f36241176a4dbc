package takes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

const indexFile = "takes.jsonl"

// FileStore keeps takes in a directory: an append-only JSON-lines index and
// one <id>.wav file per take. The index is loaded into memory on open.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	order []string
	byID  map[string]Take
}

// OpenFileStore opens (creating if needed) the store in dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("takes: create dir: %w", err)
	}
	s := &FileStore{dir: dir, byID: make(map[string]Take)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	f, err := os.Open(filepath.Join(s.dir, indexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("takes: open index: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var t Take
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			slog.Warn("takes: skipping corrupt index line", "line", line, "err", err)
			continue
		}
		if _, ok := s.byID[t.ID]; !ok {
			s.order = append(s.order, t.ID)
		}
		s.byID[t.ID] = t
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("takes: read index: %w", err)
	}
	return nil
}

// Save implements [Store]. The audio file is written before the index line so
// that an indexed take always has its audio.
func (s *FileStore) Save(ctx context.Context, t Take, wav []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, ok := validID(t.ID)
	if !ok {
		return fmt.Errorf("takes: invalid id %q", t.ID)
	}
	t.ID = id

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("takes: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.audioPath(id), wav); err != nil {
		return fmt.Errorf("takes: write audio: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, indexFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("takes: open index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("takes: append index: %w", err)
	}

	if _, ok := s.byID[id]; !ok {
		s.order = append(s.order, id)
	}
	s.byID[id] = t
	return nil
}

// Get implements [Store].
func (s *FileStore) Get(_ context.Context, id string) (*Take, error) {
	id, ok := validID(id)
	if !ok {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// Audio implements [Store].
func (s *FileStore) Audio(_ context.Context, id string) ([]byte, error) {
	id, ok := validID(id)
	if !ok {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	_, known := s.byID[id]
	s.mu.RUnlock()
	if !known {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.audioPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("takes: read audio: %w", err)
	}
	return data, nil
}

// List implements [Store].
func (s *FileStore) List(_ context.Context, limit int) ([]Take, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Take, 0, n)
	for _, id := range slices.Backward(s.order) {
		if len(out) == n {
			break
		}
		out = append(out, s.byID[id])
	}
	return out, nil
}

// Ping implements [Store].
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("takes: stat dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("takes: %s is not a directory", s.dir)
	}
	return nil
}

// Close implements [Store]. FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) audioPath(id string) string {
	return filepath.Join(s.dir, id+".wav")
}

// writeFileAtomic writes data to a temporary file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".take-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
