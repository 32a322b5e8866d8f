package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/storage"
)

// ErrChainFork is returned when an event does not extend the current head
// of its chain.
var ErrChainFork = errors.New("event does not extend chain head")

const headsKey = "chain-heads.json"

// ComputeEventHash returns the sha256 of the event's JSON form with its own
// event_hash blanked.
func ComputeEventHash(evt *CommitEvent) string {
	evtCopy := *evt
	evtCopy.Chain.EventHash = ""

	canonical, err := json.Marshal(evtCopy)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChain checks that the events of every shuffle chain link to each
// other in order and that each hash matches its content. Events of
// different chains may be interleaved.
func VerifyChain(events []CommitEvent) error {
	heads := make(map[string]string)
	for i := range events {
		evt := &events[i]
		key := evt.Commit.ChainKey()
		if prev := heads[key]; evt.Chain.PrevEventHash != prev {
			return fmt.Errorf("event %d (%s) of %s: prev_event_hash %q, want %q", i, evt.EventID, key, evt.Chain.PrevEventHash, prev)
		}
		if got := ComputeEventHash(evt); got != evt.Chain.EventHash {
			return fmt.Errorf("event %d (%s) of %s: hash mismatch", i, evt.EventID, key)
		}
		heads[key] = evt.Chain.EventHash
	}
	return nil
}

// ChainHead is the tip of one shuffle's chain. Tasks records which attempt
// of each map task has been chained, so a commit is never chained twice.
type ChainHead struct {
	EventHash string      `json:"event_hash"`
	Length    int         `json:"length"`
	Tasks     map[int]int `json:"tasks"` // map id -> attempt id
	UpdatedAt time.Time   `json:"updated_at"`
}

// Chained reports whether mapID's attempt is already part of the chain.
func (h ChainHead) Chained(mapID, attemptID int) bool {
	a, ok := h.Tasks[mapID]
	return ok && a == attemptID
}

// ChainTracker keeps the head of every chain and persists them to
// chain-heads.json in its directory.
type ChainTracker struct {
	mu    sync.Mutex
	store *storage.LocalStore
	heads map[string]ChainHead
}

// NewChainTracker opens the tracker stored in dir, starting empty when no
// heads were saved yet.
func NewChainTracker(ctx context.Context, dir string) (*ChainTracker, error) {
	if dir == "" {
		dir = "./audit"
	}
	store, err := storage.NewLocalStore(dir, "")
	if err != nil {
		return nil, fmt.Errorf("open chain heads: %w", err)
	}

	ct := &ChainTracker{store: store, heads: make(map[string]ChainHead)}

	data, err := store.Read(ctx, headsKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &ct.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads: %w", err)
		}
	}
	return ct, nil
}

// Head returns the head of chainKey. The zero head has no hash and no tasks.
func (ct *ChainTracker) Head(chainKey string) ChainHead {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.heads[chainKey].clone()
}

// Advance makes evt the head of its chain and persists the heads. evt must
// link to the current head.
func (ct *ChainTracker) Advance(ctx context.Context, evt *CommitEvent) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	key := evt.Commit.ChainKey()
	head := ct.heads[key].clone()
	if evt.Chain.PrevEventHash != head.EventHash {
		return fmt.Errorf("%w: %s has head %q, event links to %q", ErrChainFork, key, head.EventHash, evt.Chain.PrevEventHash)
	}

	head.EventHash = evt.Chain.EventHash
	head.Length++
	head.Tasks[evt.Commit.MapID] = evt.Commit.AttemptID
	head.UpdatedAt = time.Now().UTC()

	prev, existed := ct.heads[key]
	ct.heads[key] = head
	if err := ct.persist(ctx); err != nil {
		if existed {
			ct.heads[key] = prev
		} else {
			delete(ct.heads, key)
		}
		return err
	}
	return nil
}

// persist writes every head. Callers hold ct.mu.
func (ct *ChainTracker) persist(ctx context.Context) error {
	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain heads: %w", err)
	}
	if err := ct.store.Write(ctx, headsKey, data); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	return nil
}

func (h ChainHead) clone() ChainHead {
	tasks := make(map[int]int, len(h.Tasks))
	for k, v := range h.Tasks {
		tasks[k] = v
	}
	h.Tasks = tasks
	return h
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "evt_" + uuid.New().String()
}
