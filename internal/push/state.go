// Package push holds the client-side state of one shuffle write session:
// outgoing buffers per destination pair, in-flight accounting with
// congestion-aware admission, failed batch records and per-partition
// commit metadata.
package push

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/metrics"
)

// PushState is the per-session state shared by every writer goroutine of
// one map task attempt. All methods are safe for concurrent use.
type PushState struct {
	sessionID         string
	pushBufferMaxSize int
	checksumMode      string

	exc     *exceptionCell
	tracker *InFlightRequestTracker

	batches        sync.Map // AddressPair -> *DataBatches
	commitMetadata sync.Map // int -> *CommitMetadata
	failedBatches  sync.Map // string -> *LocationPushFailedBatches

	cleanupOnce sync.Once
	logger      *slog.Logger
}

// New creates the push state of a session. cfg is read once here.
func New(cfg config.PushConfig, logger *slog.Logger) (*PushState, error) {
	if logger == nil {
		logger = slog.Default().With("component", "push")
	}
	sessionID := uuid.NewString()
	logger = logger.With("push_session", sessionID)

	exc := newExceptionCell(logger)
	tracker, err := newInFlightRequestTracker(cfg, exc, logger)
	if err != nil {
		return nil, err
	}

	if m := metrics.Get(); m != nil {
		m.IncSessionsStarted()
	}

	return &PushState{
		sessionID:         sessionID,
		pushBufferMaxSize: cfg.PushBufferMaxSize,
		checksumMode:      cfg.ChecksumMode,
		exc:               exc,
		tracker:           tracker,
		logger:            logger,
	}, nil
}

// SessionID is a random id used to correlate logs of one session.
func (s *PushState) SessionID() string { return s.sessionID }

// Tracker exposes the session's in-flight tracker.
func (s *PushState) Tracker() *InFlightRequestTracker { return s.tracker }

// AddBatchData buffers body for pair and reports whether the pair's
// buffered bytes now exceed the push buffer size. Flushing is up to the
// caller.
func (s *PushState) AddBatchData(pair AddressPair, loc *PartitionLocation, batchID int, body []byte) bool {
	for {
		v, ok := s.batches.Load(pair)
		if !ok {
			v, _ = s.batches.LoadOrStore(pair, NewDataBatches())
		}
		// A buffer taken between the load and the add refuses the batch,
		// retry against the fresh one.
		if size, ok := v.(*DataBatches).tryAdd(loc, batchID, body); ok {
			return size > s.pushBufferMaxSize
		}
	}
}

// TakeDataBatches removes and returns the buffer of pair, or nil when
// nothing is buffered.
func (s *PushState) TakeDataBatches(pair AddressPair) *DataBatches {
	v, ok := s.batches.LoadAndDelete(pair)
	if !ok {
		return nil
	}
	d := v.(*DataBatches)
	d.markTaken()
	return d
}

// PendingAddressPairs lists the pairs that currently hold buffered data.
func (s *PushState) PendingAddressPairs() []AddressPair {
	var pairs []AddressPair
	s.batches.Range(func(k, v any) bool {
		if v.(*DataBatches).Len() > 0 {
			pairs = append(pairs, k.(AddressPair))
		}
		return true
	})
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Primary != pairs[j].Primary {
			return pairs[i].Primary < pairs[j].Primary
		}
		return pairs[i].Replica < pairs[j].Replica
	})
	return pairs
}

func (s *PushState) NextBatchID() int {
	return s.tracker.NextBatchID()
}

func (s *PushState) AddBatch(batchID, byteSize int, hostAndPushPort string) {
	s.tracker.AddBatch(batchID, byteSize, hostAndPushPort)
}

func (s *PushState) RemoveBatch(batchID int, hostAndPushPort string) {
	s.tracker.RemoveBatch(batchID, hostAndPushPort)
}

func (s *PushState) OnSuccess(hostAndPushPort string) {
	s.tracker.OnSuccess(hostAndPushPort)
}

func (s *PushState) OnCongestControl(hostAndPushPort string) {
	s.tracker.OnCongestControl(hostAndPushPort)
}

func (s *PushState) LimitMaxInFlight(ctx context.Context, hostAndPushPort string) (bool, error) {
	return s.tracker.LimitMaxInFlight(ctx, hostAndPushPort)
}

func (s *PushState) LimitZeroInFlight(ctx context.Context) (bool, error) {
	return s.tracker.LimitZeroInFlight(ctx)
}

func (s *PushState) RemainingAllowPushes(hostAndPushPort string) int {
	return s.tracker.RemainingAllowPushes(hostAndPushPort)
}

// RecordFailedBatch appends a failure record under partitionUniqueID.
func (s *PushState) RecordFailedBatch(partitionUniqueID string, mapID, attemptID, batchID int) {
	v, ok := s.failedBatches.Load(partitionUniqueID)
	if !ok {
		v, _ = s.failedBatches.LoadOrStore(partitionUniqueID, NewLocationPushFailedBatches())
	}
	v.(*LocationPushFailedBatches).AddFailedBatch(mapID, attemptID, batchID)
}

// FailedBatches returns the failure records keyed by partition unique id.
// The map is a fresh copy; the values are the live records.
func (s *PushState) FailedBatches() map[string]*LocationPushFailedBatches {
	out := make(map[string]*LocationPushFailedBatches)
	s.failedBatches.Range(func(k, v any) bool {
		out[k.(string)] = v.(*LocationPushFailedBatches)
		return true
	})
	return out
}

// AddDataWithOffsetAndLength folds a sub-range of data into the commit
// metadata of partitionID. Chunks of one partition must be presented in
// commit order.
func (s *PushState) AddDataWithOffsetAndLength(partitionID int, data []byte, offset, length int) {
	v, ok := s.commitMetadata.Load(partitionID)
	if !ok {
		v, _ = s.commitMetadata.LoadOrStore(partitionID, NewCommitMetadata(s.checksumMode))
	}
	v.(*CommitMetadata).AddDataWithOffsetAndLength(data, offset, length)
}

// CommitMetadata returns the accumulator of partitionID, or nil.
func (s *PushState) CommitMetadata(partitionID int) *CommitMetadata {
	if v, ok := s.commitMetadata.Load(partitionID); ok {
		return v.(*CommitMetadata)
	}
	return nil
}

// CRC32PerPartition returns checksums indexed by partition id. Empty when
// the integrity check is disabled. Ids outside [0, numPartitions) are
// ignored.
func (s *PushState) CRC32PerPartition(enabled bool, numPartitions int) []uint32 {
	if !enabled || numPartitions <= 0 {
		return []uint32{}
	}
	out := make([]uint32, numPartitions)
	s.commitMetadata.Range(func(k, v any) bool {
		if id := k.(int); id >= 0 && id < numPartitions {
			out[id] = v.(*CommitMetadata).Checksum()
		}
		return true
	})
	return out
}

// BytesWrittenPerPartition is the byte-count counterpart of
// CRC32PerPartition.
func (s *PushState) BytesWrittenPerPartition(enabled bool, numPartitions int) []int64 {
	if !enabled || numPartitions <= 0 {
		return []int64{}
	}
	out := make([]int64, numPartitions)
	s.commitMetadata.Range(func(k, v any) bool {
		if id := k.(int); id >= 0 && id < numPartitions {
			out[id] = v.(*CommitMetadata).Bytes()
		}
		return true
	})
	return out
}

// SetException records err as the session failure if none is recorded yet.
// Every blocked and future wait then fails with it.
func (s *PushState) SetException(err error) bool {
	return s.exc.set(err)
}

// Exception returns the recorded session failure, or nil.
func (s *PushState) Exception() error {
	return s.exc.load()
}

// CheckException returns an error wrapping ErrPushAborted and the recorded
// failure, or nil while the session is healthy.
func (s *PushState) CheckException() error {
	return s.exc.abortErr()
}

// Failed is closed once a session failure is recorded.
func (s *PushState) Failed() <-chan struct{} {
	return s.exc.done
}

// Cleanup releases the tracker and wakes any blocked waiter. Safe to call
// more than once and concurrently with other operations.
func (s *PushState) Cleanup() {
	s.cleanupOnce.Do(func() {
		count, bytes := s.tracker.TotalInFlight()
		failed := 0
		for _, fb := range s.FailedBatches() {
			failed += fb.Len()
		}

		s.tracker.Cleanup()

		s.logger.Info("push session cleaned up",
			"pending_pairs", len(s.PendingAddressPairs()),
			"in_flight", count,
			"in_flight_bytes", bytes,
			"failed_batches", failed,
			"failed", s.Exception() != nil,
		)
	})
}
