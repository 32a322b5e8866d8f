// Package writer implements the map-side shuffle write path on top of the
// push state: buffering per destination, admission-gated merged pushes and
// the final flush that yields a commit result.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/metrics"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/push"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/transport"
)

var (
	ErrClosed           = errors.New("writer closed")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrLimitTimeout     = errors.New("timed out waiting for in-flight pushes")
)

// ShuffleWriter pushes the records of one map task attempt. Write may be
// called from several goroutines; Close must be called once at the end.
type ShuffleWriter struct {
	cfg       config.PushConfig
	task      TaskInfo
	locations []*push.PartitionLocation
	transport transport.Transport
	state     *push.PushState
	encoder   *zstd.Encoder
	log       *slog.Logger

	// pushCtx bounds outstanding deliveries. It lives as long as the
	// session, not as long as the Write that started the push.
	pushCtx      context.Context
	cancelPushes context.CancelFunc

	closed    atomic.Bool
	abortOnce sync.Once
	startedAt time.Time

	records   atomic.Int64
	rawBytes  atomic.Int64
	sentBytes atomic.Int64
	pushes    atomic.Int64
	congested atomic.Int64
}

// New creates a writer. locations[i] is where partition i is pushed.
func New(cfg config.PushConfig, task TaskInfo, locations []*push.PartitionLocation, t transport.Transport, logger *slog.Logger) (*ShuffleWriter, error) {
	if len(locations) != task.NumPartitions {
		return nil, fmt.Errorf("got %d locations for %d partitions", len(locations), task.NumPartitions)
	}
	for i, loc := range locations {
		if loc == nil || loc.ID != i {
			return nil, fmt.Errorf("location %d missing or out of order", i)
		}
	}
	if logger == nil {
		logger = slog.With("component", "writer")
	}

	state, err := push.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create push state: %w", err)
	}

	pushCtx, cancelPushes := context.WithCancel(context.Background())

	var enc *zstd.Encoder
	if cfg.CompressionLevel > 0 {
		enc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.CompressionLevel)),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			cancelPushes()
			state.Cleanup()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}

	return &ShuffleWriter{
		cfg:       cfg,
		task:      task,
		locations: locations,
		transport: t,
		state:     state,
		encoder:   enc,
		log:       logger,
		startedAt: time.Now(),

		pushCtx:      pushCtx,
		cancelPushes: cancelPushes,
	}, nil
}

// State exposes the underlying push state.
func (w *ShuffleWriter) State() *push.PushState { return w.state }

// Write buffers one record for partitionID and pushes the destination's
// buffer once it is full. ctx bounds only the wait for admission; a push
// that was sent completes even if ctx is cancelled afterwards.
func (w *ShuffleWriter) Write(ctx context.Context, partitionID int, data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if err := w.state.CheckException(); err != nil {
		return err
	}
	if partitionID < 0 || partitionID >= len(w.locations) {
		return fmt.Errorf("%w: %d", ErrUnknownPartition, partitionID)
	}
	loc := w.locations[partitionID]

	if w.cfg.IntegrityCheckEnabled {
		w.state.AddDataWithOffsetAndLength(partitionID, data, 0, len(data))
	}

	payload := data
	if w.encoder != nil {
		payload = w.encoder.EncodeAll(data, nil)
	}
	batchID := w.state.NextBatchID()
	body := transport.EncodeBatch(w.task.MapID, w.task.AttemptID, batchID, payload)

	w.records.Add(1)
	w.rawBytes.Add(int64(len(data)))

	pair := push.PairFor(loc)
	if w.state.AddBatchData(pair, loc, batchID, body) {
		return w.flush(ctx, pair)
	}
	return nil
}

// Flush pushes every buffered destination without waiting for
// acknowledgements.
func (w *ShuffleWriter) Flush(ctx context.Context) error {
	for _, pair := range w.state.PendingAddressPairs() {
		if err := w.flush(ctx, pair); err != nil {
			return err
		}
	}
	return nil
}

func (w *ShuffleWriter) flush(ctx context.Context, pair push.AddressPair) error {
	batches := w.state.TakeDataBatches(pair)
	if batches == nil || batches.Len() == 0 {
		return nil
	}
	list := batches.Batches()
	host := pair.Primary

	start := time.Now()
	ok, err := w.state.LimitMaxInFlight(ctx, host)
	if err != nil {
		return fmt.Errorf("push merged data to %s: %w", host, err)
	}
	if !ok {
		if err := w.state.CheckException(); err != nil {
			return err
		}
		if w.closed.Load() {
			return ErrClosed
		}
		// a stalled destination fails the whole attempt
		err := fmt.Errorf("push merged data to %s: %w after %s", host, ErrLimitTimeout, time.Since(start).Round(time.Millisecond))
		w.recordFailed(host, list)
		w.state.SetException(err)
		return err
	}

	req := &transport.PushMergedRequest{
		ShuffleKey:         fmt.Sprintf("%d-%d", w.task.ShuffleID, w.task.MapID),
		HostAndPushPort:    host,
		ReplicaHostAndPort: pair.Replica,
		GroupedBatchID:     w.state.NextBatchID(),
		PartitionUniqueIDs: make([]string, 0, len(list)),
		BatchOffsets:       make([]int, 0, len(list)),
		Body:               make([]byte, 0, batches.TotalSize()),
		Compressed:         w.encoder != nil,
	}
	for _, b := range list {
		req.PartitionUniqueIDs = append(req.PartitionUniqueIDs, b.Location.UniqueID())
		req.BatchOffsets = append(req.BatchOffsets, len(req.Body))
		req.Body = append(req.Body, b.Body...)
	}

	w.state.AddBatch(req.GroupedBatchID, len(req.Body), host)
	w.pushes.Add(1)
	w.sentBytes.Add(int64(len(req.Body)))
	if m := metrics.Get(); m != nil {
		m.ObserveFlush(len(req.Body))
	}

	cb := &pushCallback{w: w, host: host, groupedID: req.GroupedBatchID, batches: list}
	if err := w.transport.PushMergedData(w.pushCtx, req, cb); err != nil {
		err = fmt.Errorf("push merged data to %s: %w", host, err)
		cb.OnFailure(err)
		return err
	}
	return nil
}

func (w *ShuffleWriter) recordFailed(host string, list []push.DataBatch) {
	for _, b := range list {
		w.state.RecordFailedBatch(b.Location.UniqueID(), w.task.MapID, w.task.AttemptID, b.BatchID)
	}
	if m := metrics.Get(); m != nil {
		m.AddBatchesFailed(host, len(list))
	}
}

// Close flushes what is buffered, waits until every push is acknowledged
// and returns the commit result. The push state is cleaned up on return.
func (w *ShuffleWriter) Close(ctx context.Context) (*CommitResult, error) {
	if err := w.Flush(ctx); err != nil {
		w.abort()
		return nil, err
	}
	if !w.closed.CompareAndSwap(false, true) {
		return nil, ErrClosed
	}
	defer w.abort()

	start := time.Now()
	ok, err := w.state.LimitZeroInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for pushes: %w", err)
	}
	if !ok {
		count, bytes := w.state.Tracker().TotalInFlight()
		return nil, fmt.Errorf("%w: %d batches (%d bytes) still in flight after %s",
			ErrLimitTimeout, count, bytes, time.Since(start).Round(time.Millisecond))
	}
	if err := w.state.CheckException(); err != nil {
		return nil, err
	}

	result := &CommitResult{
		Task:                     w.task,
		SessionID:                w.state.SessionID(),
		CRC32PerPartition:        w.state.CRC32PerPartition(w.cfg.IntegrityCheckEnabled, w.task.NumPartitions),
		BytesWrittenPerPartition: w.state.BytesWrittenPerPartition(w.cfg.IntegrityCheckEnabled, w.task.NumPartitions),
		FailedBatches:            make(map[string][]push.PushFailedBatch),
		RecordsWritten:           w.records.Load(),
		BytesWritten:             w.rawBytes.Load(),
		PushedBytes:              w.sentBytes.Load(),
		Pushes:                   w.pushes.Load(),
		Congested:                w.congested.Load(),
		StartedAt:                w.startedAt,
		FinishedAt:               time.Now(),
	}
	for id, fb := range w.state.FailedBatches() {
		result.FailedBatches[id] = fb.Batches()
	}

	w.log.Info("map task pushed",
		"records", result.RecordsWritten,
		"bytes", result.BytesWritten,
		"pushed_bytes", result.PushedBytes,
		"pushes", result.Pushes,
		"congested", result.Congested,
		"failed_batches", result.FailedBatchCount(),
		"duration", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond),
	)
	return result, nil
}

// Abort drops the session without waiting for outstanding pushes.
func (w *ShuffleWriter) Abort() {
	w.closed.Store(true)
	w.abort()
}

func (w *ShuffleWriter) abort() {
	w.abortOnce.Do(func() {
		w.state.Cleanup()
		w.cancelPushes()
		if w.encoder != nil {
			w.encoder.Close()
		}
	})
}

// pushCallback completes one merged push. Only the first completion counts.
type pushCallback struct {
	w         *ShuffleWriter
	host      string
	groupedID int
	batches   []push.DataBatch
	once      sync.Once
}

func (c *pushCallback) OnSuccess(resp transport.Response) {
	c.once.Do(func() {
		c.w.state.RemoveBatch(c.groupedID, c.host)
		if resp.Status == transport.StatusCongested {
			c.w.congested.Add(1)
			c.w.state.OnCongestControl(c.host)
		} else {
			c.w.state.OnSuccess(c.host)
		}
		if m := metrics.Get(); m != nil {
			m.IncBatchesPushed(c.host)
		}
	})
}

func (c *pushCallback) OnFailure(err error) {
	c.once.Do(func() {
		c.w.state.RemoveBatch(c.groupedID, c.host)
		c.w.recordFailed(c.host, c.batches)
		c.w.log.Warn("merged push failed",
			"host", c.host,
			"grouped_batch_id", c.groupedID,
			"batches", len(c.batches),
			"error", err,
		)
		if c.w.cfg.StopOnFailure {
			c.w.state.SetException(err)
		}
	})
}
