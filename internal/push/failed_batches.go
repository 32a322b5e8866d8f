package push

import (
	"fmt"
	"sync"
)

// PushFailedBatch identifies one batch whose push did not succeed.
type PushFailedBatch struct {
	MapID     int
	AttemptID int
	BatchID   int
}

func (b PushFailedBatch) String() string {
	return fmt.Sprintf("PushFailedBatch[map=%d, attempt=%d, batch=%d]", b.MapID, b.AttemptID, b.BatchID)
}

// LocationPushFailedBatches is the append-only multiset of failed batches
// recorded for one partition location. Duplicates are kept.
type LocationPushFailedBatches struct {
	mu      sync.Mutex
	batches []PushFailedBatch
	counts  map[PushFailedBatch]int
}

func NewLocationPushFailedBatches() *LocationPushFailedBatches {
	return &LocationPushFailedBatches{counts: make(map[PushFailedBatch]int)}
}

func (l *LocationPushFailedBatches) AddFailedBatch(mapID, attemptID, batchID int) {
	b := PushFailedBatch{MapID: mapID, AttemptID: attemptID, BatchID: batchID}

	l.mu.Lock()
	l.batches = append(l.batches, b)
	l.counts[b]++
	l.mu.Unlock()
}

// Batches returns a copy of the records in insertion order.
func (l *LocationPushFailedBatches) Batches() []PushFailedBatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PushFailedBatch, len(l.batches))
	copy(out, l.batches)
	return out
}

func (l *LocationPushFailedBatches) Contains(mapID, attemptID, batchID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[PushFailedBatch{MapID: mapID, AttemptID: attemptID, BatchID: batchID}] > 0
}

func (l *LocationPushFailedBatches) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

// Merge appends every record of other.
func (l *LocationPushFailedBatches) Merge(other *LocationPushFailedBatches) {
	if other == nil {
		return
	}
	records := other.Batches()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range records {
		l.batches = append(l.batches, b)
		l.counts[b]++
	}
}
