package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
)

func TestFileManagerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := NewManager(config.CheckpointConfig{Enabled: true, Dir: dir}, "default")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if _, err := m.Load(ctx, 1); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load before save error = %v, want ErrNoCheckpoint", err)
	}

	if err := m.MarkCommitted(ctx, 1, CommittedTask{MapID: 3, SessionID: "s3", Checksum: "sha256:aa"}); err != nil {
		t.Fatalf("MarkCommitted failed: %v", err)
	}
	if err := m.MarkCommitted(ctx, 1, CommittedTask{MapID: 0, SessionID: "s0"}); err != nil {
		t.Fatalf("MarkCommitted failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "checkpoint_default_shuffle-1.json")); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}

	// a fresh manager reads what the first one wrote
	m2, err := NewManager(config.CheckpointConfig{Enabled: true, Dir: dir}, "default")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cp, err := m2.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cp.MapIDs(); len(got) != 2 || got[0] != 0 || got[1] != 3 {
		t.Errorf("MapIDs = %v, want [0 3]", got)
	}
	if !cp.IsCommitted(3) || cp.IsCommitted(1) {
		t.Error("IsCommitted mismatch")
	}
	if cp.Committed[3].Committed.IsZero() {
		t.Error("commit time not set")
	}

	// other shuffles are independent
	if _, err := m2.Load(ctx, 2); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Load(2) error = %v, want ErrNoCheckpoint", err)
	}
}

func TestFileManagerConcurrentMarks(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(config.CheckpointConfig{Enabled: true, Dir: t.TempDir()}, "ns")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(mapID int) {
			defer wg.Done()
			if err := m.MarkCommitted(ctx, 5, CommittedTask{MapID: mapID}); err != nil {
				t.Errorf("MarkCommitted(%d) failed: %v", mapID, err)
			}
		}(i)
	}
	wg.Wait()

	cp, err := m.Load(ctx, 5)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cp.Committed) != 16 {
		t.Errorf("committed = %d, want 16", len(cp.Committed))
	}
}

func TestLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(config.CheckpointConfig{Enabled: true, Dir: t.TempDir()}, "ns")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.MarkCommitted(ctx, 1, CommittedTask{MapID: 1}); err != nil {
		t.Fatalf("MarkCommitted failed: %v", err)
	}

	cp, _ := m.Load(ctx, 1)
	delete(cp.Committed, 1)

	again, _ := m.Load(ctx, 1)
	if !again.IsCommitted(1) {
		t.Error("mutating a loaded checkpoint changed the manager state")
	}
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(config.CheckpointConfig{Enabled: false}, "ns")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx := context.Background()
	if err := m.MarkCommitted(ctx, 1, CommittedTask{MapID: 1}); err != nil {
		t.Errorf("MarkCommitted failed: %v", err)
	}
	cp, err := m.Load(ctx, 1)
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Load error = %v, want ErrNoCheckpoint", err)
	}
	if cp.IsCommitted(1) {
		t.Error("nil checkpoint reports committed task")
	}
}
