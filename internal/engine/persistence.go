package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

// Collection file names inside the data directory.
const (
	usersFile = "users.json"
	tasksFile = "tasks.json"
)

// Snapshot is the full on-disk state of a MemStore.
type Snapshot struct {
	Users []UserRecord
	Tasks []schema.Task
}

// Persistence handles the disk I/O for the MemStore.
type Persistence struct {
	DataDir string
	logger  *slog.Logger

	mu      sync.Mutex // Protects concurrent writes to the filesystem
	written map[string]uint64
}

// NewPersistence initializes a persistence handler rooted at dir.
func NewPersistence(dir string, logger *slog.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{DataDir: dir, logger: logger, written: make(map[string]uint64)}, nil
}

// SaveCollection writes data to name atomically. seq orders writes issued
// from concurrent goroutines: a write older than the last one stored for
// the same collection is dropped.
func (p *Persistence) SaveCollection(name string, seq uint64, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq != 0 && seq <= p.written[name] {
		return nil
	}

	filePath := filepath.Join(p.DataDir, name)
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(tempPath, bytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	// Rename is atomic on POSIX filesystems: readers see the old file or
	// the new one, never a partial write.
	if err := os.Rename(tempPath, filePath); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	p.written[name] = seq
	return nil
}

// Load reads every collection found in the data directory. Missing files
// are treated as empty. A file that does not decode fails the load: the
// next snapshot would otherwise replace it with a partial collection.
func (p *Persistence) Load() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var snap Snapshot
	if err := p.readLocked(usersFile, &snap.Users); err != nil {
		return Snapshot{}, err
	}
	if err := p.readLocked(tasksFile, &snap.Tasks); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (p *Persistence) readLocked(name string, target any) error {
	content, err := os.ReadFile(filepath.Join(p.DataDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(content, target); err != nil {
		p.logger.Error("unreadable collection", "file", name, "error", err)
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
