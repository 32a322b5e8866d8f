package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const eventLogFile = "events.jsonl"

// FileBackup saves commit events to local files for backup/audit: one JSON
// file per event and an append-only events.jsonl in emission order.
type FileBackup struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Save writes a commit event to its own JSON file and appends it to the log.
func (f *FileBackup) Save(evt *CommitEvent) error {
	// Generate filename: {namespace}_shuffle-{id}_map-{id}_attempt-{id}.json
	filename := fmt.Sprintf("%s_shuffle-%d_map-%d_attempt-%d.json",
		evt.Commit.Namespace,
		evt.Commit.ShuffleID,
		evt.Commit.MapID,
		evt.Commit.AttemptID,
	)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, filename), data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	lf, err := os.OpenFile(filepath.Join(f.dir, eventLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer lf.Close()

	if _, err := lf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

// ReadEvents returns the events of the log in dir, in emission order.
func ReadEvents(dir string) ([]CommitEvent, error) {
	lf, err := os.Open(filepath.Join(dir, eventLogFile))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer lf.Close()

	var events []CommitEvent
	sc := bufio.NewScanner(lf)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var evt CommitEvent
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			return nil, fmt.Errorf("parse event %d: %w", len(events), err)
		}
		events = append(events, evt)
	}
	return events, sc.Err()
}
