package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"
)

// ErrInjectedFailure is reported for pushes failed on purpose by a worker.
var ErrInjectedFailure = errors.New("injected push failure")

// WorkerConfig shapes the behavior of loopback workers.
type WorkerConfig struct {
	Latency     time.Duration
	Rate        float64 // accepted pushes per second before answering congested, 0 = unlimited
	Burst       int
	FailureRate float64 // probability in [0, 1] that a push fails
	Seed        int64
}

// ReceivedBatch is one batch stored by a worker.
type ReceivedBatch struct {
	MapID     int
	AttemptID int
	BatchID   int
	Data      []byte // decompressed payload
}

type batchKey struct {
	mapID, attemptID, batchID int
}

// Worker is an in-process stand-in for a shuffle worker.
type Worker struct {
	addr    string
	cfg     WorkerConfig
	limiter *rate.Limiter
	decoder *zstd.Decoder

	rngMu sync.Mutex
	rng   *rand.Rand

	mu         sync.Mutex
	partitions map[string]map[batchKey][]byte

	pushes    atomic.Int64
	congested atomic.Int64
	failed    atomic.Int64
	dupes     atomic.Int64

	logger *slog.Logger
}

func newWorker(addr string, cfg WorkerConfig, decoder *zstd.Decoder, logger *slog.Logger) *Worker {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Worker{
		addr:       addr,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, burst),
		decoder:    decoder,
		rng:        rand.New(rand.NewSource(cfg.Seed + int64(len(addr)))),
		partitions: make(map[string]map[batchKey][]byte),
		logger:     logger.With("worker", addr),
	}
}

func (w *Worker) Addr() string { return w.addr }

func (w *Worker) shouldFail() bool {
	if w.cfg.FailureRate <= 0 {
		return false
	}
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return w.rng.Float64() < w.cfg.FailureRate
}

// store decodes and keeps every batch of req. Batches already received are
// ignored.
func (w *Worker) store(req *PushMergedRequest) error {
	bodies, err := SplitMerged(req)
	if err != nil {
		return err
	}

	type decoded struct {
		partition string
		key       batchKey
		data      []byte
	}
	batches := make([]decoded, 0, len(bodies))
	for i, body := range bodies {
		h, payload, err := DecodeBatch(body)
		if err != nil {
			return fmt.Errorf("partition %s: %w", req.PartitionUniqueIDs[i], err)
		}
		data := payload
		if req.Compressed {
			data, err = w.decoder.DecodeAll(payload, nil)
			if err != nil {
				return fmt.Errorf("zstd decompress batch %d: %w", h.BatchID, err)
			}
		}
		batches = append(batches, decoded{
			partition: req.PartitionUniqueIDs[i],
			key:       batchKey{int(h.MapID), int(h.AttemptID), int(h.BatchID)},
			data:      data,
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range batches {
		p, ok := w.partitions[b.partition]
		if !ok {
			p = make(map[batchKey][]byte)
			w.partitions[b.partition] = p
		}
		if _, dup := p[b.key]; dup {
			w.dupes.Add(1)
			continue
		}
		p[b.key] = b.data
	}
	return nil
}

// Received returns the batches stored for a partition ordered by map,
// attempt and batch id.
func (w *Worker) Received(partitionUniqueID string) []ReceivedBatch {
	w.mu.Lock()
	defer w.mu.Unlock()

	p := w.partitions[partitionUniqueID]
	out := make([]ReceivedBatch, 0, len(p))
	for k, data := range p {
		out = append(out, ReceivedBatch{MapID: k.mapID, AttemptID: k.attemptID, BatchID: k.batchID, Data: data})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MapID != b.MapID {
			return a.MapID < b.MapID
		}
		if a.AttemptID != b.AttemptID {
			return a.AttemptID < b.AttemptID
		}
		return a.BatchID < b.BatchID
	})
	return out
}

// Partitions lists the partition ids the worker holds data for.
func (w *Worker) Partitions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.partitions))
	for id := range w.partitions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WorkerStats counts what a worker saw.
type WorkerStats struct {
	Pushes     int64
	Congested  int64
	Failed     int64
	Duplicates int64
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Pushes:     w.pushes.Load(),
		Congested:  w.congested.Load(),
		Failed:     w.failed.Load(),
		Duplicates: w.dupes.Load(),
	}
}

// Loopback delivers pushes to in-process workers on goroutines.
type Loopback struct {
	workers map[string]*Worker
	decoder *zstd.Decoder

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	logger *slog.Logger
}

// NewLoopback starts one worker per address.
func NewLoopback(addrs []string, cfg WorkerConfig, logger *slog.Logger) (*Loopback, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loopback")

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	l := &Loopback{
		workers: make(map[string]*Worker, len(addrs)),
		decoder: dec,
		logger:  logger,
	}
	for _, addr := range addrs {
		if _, dup := l.workers[addr]; dup {
			dec.Close()
			return nil, fmt.Errorf("duplicate worker address %s", addr)
		}
		l.workers[addr] = newWorker(addr, cfg, dec, logger)
	}
	return l, nil
}

// Worker returns the worker listening on addr, or nil.
func (l *Loopback) Worker(addr string) *Worker {
	return l.workers[addr]
}

// Addrs returns the worker addresses in sorted order.
func (l *Loopback) Addrs() []string {
	out := make([]string, 0, len(l.workers))
	for addr := range l.workers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// PushMergedData hands req to the destination worker and completes cb on
// another goroutine.
func (l *Loopback) PushMergedData(ctx context.Context, req *PushMergedRequest, cb Callback) error {
	primary, ok := l.workers[req.HostAndPushPort]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, req.HostAndPushPort)
	}
	var replica *Worker
	if req.ReplicaHostAndPort != "" {
		if replica, ok = l.workers[req.ReplicaHostAndPort]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWorker, req.ReplicaHostAndPort)
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.deliver(ctx, primary, replica, req, cb)
	}()
	return nil
}

func (l *Loopback) deliver(ctx context.Context, primary, replica *Worker, req *PushMergedRequest, cb Callback) {
	primary.pushes.Add(1)

	if d := primary.cfg.Latency; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			cb.OnFailure(fmt.Errorf("push to %s: %w", primary.addr, ctx.Err()))
			return
		}
	}

	if primary.shouldFail() {
		primary.failed.Add(1)
		cb.OnFailure(fmt.Errorf("push to %s: %w", primary.addr, ErrInjectedFailure))
		return
	}

	if err := primary.store(req); err != nil {
		primary.failed.Add(1)
		cb.OnFailure(fmt.Errorf("push to %s: %w", primary.addr, err))
		return
	}
	if replica != nil {
		replica.pushes.Add(1)
		if err := replica.store(req); err != nil {
			replica.failed.Add(1)
			cb.OnFailure(fmt.Errorf("replicate to %s: %w", replica.addr, err))
			return
		}
	}

	status := StatusSuccess
	if !primary.limiter.Allow() {
		// data is kept, the client is asked to slow down
		status = StatusCongested
		primary.congested.Add(1)
		primary.logger.Debug("push congested", "grouped_batch_id", req.GroupedBatchID)
	}
	cb.OnSuccess(Response{Host: primary.addr, Status: status})
}

// Close waits for outstanding deliveries and rejects new pushes. Calls
// after the first are no-ops.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.wg.Wait()
	l.decoder.Close()
	return nil
}
