package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/tkey-engine/interfaces"
)

// MemoryHeadStore keeps version heads in process memory.
type MemoryHeadStore struct {
	mu    sync.Mutex
	heads map[string]interfaces.Head
}

func NewMemoryHeadStore() *MemoryHeadStore {
	return &MemoryHeadStore{heads: make(map[string]interfaces.Head)}
}

func (s *MemoryHeadStore) GetHead(ctx context.Context, address string) (interfaces.Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[address]
	if !ok {
		return interfaces.Head{}, interfaces.ErrContentNotFound
	}
	return head, nil
}

func (s *MemoryHeadStore) CompareAndSwap(ctx context.Context, address string, expectedPrior int64, next interfaces.Head) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := interfaces.NoVersion
	if head, ok := s.heads[address]; ok {
		current = head.Version
	}
	if current != expectedPrior {
		return fmt.Errorf("%w: expected %d, current %d", interfaces.ErrVersionConflict, expectedPrior, current)
	}
	s.heads[address] = next
	return nil
}

func (s *MemoryHeadStore) Name() string {
	return "memory-heads"
}

// FileHeadStore keeps one JSON head file per address under a directory.
// Compare-and-swap is serialized within the process; the directory must not be
// shared between processes.
type FileHeadStore struct {
	mu  sync.Mutex
	dir string
	log *slog.Logger
}

type fileHead struct {
	Version   int64  `json:"version"`
	ContentID string `json:"content_id"`
	Signature []byte `json:"signature"`
}

// NewFileHeadStore stores heads under <baseDir>/heads.
func NewFileHeadStore(baseDir string, log *slog.Logger) (*FileHeadStore, error) {
	dir := filepath.Join(baseDir, "heads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create heads directory: %w", err)
	}
	return &FileHeadStore{dir: dir, log: log}, nil
}

func (s *FileHeadStore) read(address string) (interfaces.Head, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, address+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return interfaces.Head{}, interfaces.ErrContentNotFound
	}
	if err != nil {
		return interfaces.Head{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	var fh fileHead
	if err := json.Unmarshal(raw, &fh); err != nil {
		return interfaces.Head{}, fmt.Errorf("corrupted head for %s: %w", address, err)
	}
	id, err := interfaces.NewContentIDFromHex(fh.ContentID)
	if err != nil {
		return interfaces.Head{}, fmt.Errorf("corrupted head for %s: %w", address, err)
	}
	return interfaces.Head{Version: fh.Version, ContentID: id, Signature: fh.Signature}, nil
}

func (s *FileHeadStore) GetHead(ctx context.Context, address string) (interfaces.Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(address)
}

func (s *FileHeadStore) CompareAndSwap(ctx context.Context, address string, expectedPrior int64, next interfaces.Head) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := interfaces.NoVersion
	head, err := s.read(address)
	switch {
	case err == nil:
		current = head.Version
	case errors.Is(err, interfaces.ErrContentNotFound):
	default:
		return err
	}
	if current != expectedPrior {
		return fmt.Errorf("%w: expected %d, current %d", interfaces.ErrVersionConflict, expectedPrior, current)
	}

	raw, err := json.Marshal(fileHead{
		Version:   next.Version,
		ContentID: next.ContentID.String(),
		Signature: next.Signature,
	})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, address+".json"), raw); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	s.log.Debug("Updated head",
		slog.String("address", address),
		slog.Int64("version", next.Version))
	return nil
}

func (s *FileHeadStore) Name() string {
	return fmt.Sprintf("file-heads-%s", filepath.Base(filepath.Dir(s.dir)))
}
