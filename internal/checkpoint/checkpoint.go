// Package checkpoint persists which map tasks of a shuffle have committed so
// a rerun only pushes the remaining ones.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents the progress of one shuffle.
type Checkpoint struct {
	Namespace string                `json:"namespace"`
	ShuffleID int                   `json:"shuffle_id"`
	Committed map[int]CommittedTask `json:"committed"` // map id -> commit
	UpdatedAt time.Time             `json:"updated_at"`
}

// CommittedTask describes the committed attempt of a map task.
type CommittedTask struct {
	MapID     int       `json:"map_id"`
	AttemptID int       `json:"attempt_id"`
	SessionID string    `json:"session_id"`
	Checksum  string    `json:"checksum,omitempty"`
	Committed time.Time `json:"committed_at"`
}

// IsCommitted reports whether mapID has a committed attempt.
func (cp *Checkpoint) IsCommitted(mapID int) bool {
	if cp == nil {
		return false
	}
	_, ok := cp.Committed[mapID]
	return ok
}

// MapIDs returns the committed map ids in ascending order.
func (cp *Checkpoint) MapIDs() []int {
	if cp == nil {
		return nil
	}
	ids := make([]int, 0, len(cp.Committed))
	for id := range cp.Committed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint of a shuffle.
	Load(ctx context.Context, shuffleID int) (*Checkpoint, error)

	// MarkCommitted records a committed map task and persists the checkpoint.
	MarkCommitted(ctx context.Context, shuffleID int, task CommittedTask) error
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg config.CheckpointConfig, namespace string) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{
		dir:       cfg.Dir,
		namespace: namespace,
		cache:     make(map[int]*Checkpoint),
	}, nil
}

// fileManager persists checkpoints to local files. Concurrent map tasks of
// the same shuffle share one file, so updates are serialized.
type fileManager struct {
	dir       string
	namespace string

	mu    sync.Mutex
	cache map[int]*Checkpoint
}

// checkpointPath returns the path to the checkpoint file for a shuffle.
func (m *fileManager) checkpointPath(shuffleID int) string {
	filename := fmt.Sprintf("checkpoint_%s_shuffle-%d.json", m.namespace, shuffleID)
	return filepath.Join(m.dir, filename)
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, shuffleID int) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.load(shuffleID)
	if err != nil {
		return nil, err
	}
	return cp.clone(), nil
}

// load returns the cached checkpoint or reads it. Callers hold m.mu.
func (m *fileManager) load(shuffleID int) (*Checkpoint, error) {
	if cp, ok := m.cache[shuffleID]; ok {
		return cp, nil
	}

	data, err := os.ReadFile(m.checkpointPath(shuffleID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Committed == nil {
		cp.Committed = make(map[int]CommittedTask)
	}

	m.cache[shuffleID] = &cp
	return &cp, nil
}

// MarkCommitted adds the task and saves the checkpoint.
func (m *fileManager) MarkCommitted(ctx context.Context, shuffleID int, task CommittedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.load(shuffleID)
	if errors.Is(err, ErrNoCheckpoint) {
		cp = &Checkpoint{
			Namespace: m.namespace,
			ShuffleID: shuffleID,
			Committed: make(map[int]CommittedTask),
		}
		m.cache[shuffleID] = cp
	} else if err != nil {
		return err
	}

	if task.Committed.IsZero() {
		task.Committed = time.Now().UTC()
	}
	cp.Committed[task.MapID] = task
	cp.UpdatedAt = time.Now().UTC()

	return m.save(cp)
}

// save persists the checkpoint to file. Callers hold m.mu.
func (m *fileManager) save(cp *Checkpoint) error {
	path := m.checkpointPath(cp.ShuffleID)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

func (cp *Checkpoint) clone() *Checkpoint {
	out := *cp
	out.Committed = make(map[int]CommittedTask, len(cp.Committed))
	for k, v := range cp.Committed {
		out.Committed[k] = v
	}
	return &out
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, shuffleID int) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) MarkCommitted(ctx context.Context, shuffleID int, task CommittedTask) error {
	return nil
}
