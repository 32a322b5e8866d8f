package push

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/metrics"
)

// hostInFlight is the in-flight set of one destination host.
type hostInFlight struct {
	mu      sync.Mutex
	batches map[int]int // batch id -> bytes
	bytes   int64
	changed chan struct{}
}

func newHostInFlight() *hostInFlight {
	return &hostInFlight{
		batches: make(map[int]int),
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes everyone waiting on this host. h.mu must be held.
func (h *hostInFlight) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *hostInFlight) watch() (<-chan struct{}, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed, len(h.batches)
}

// InFlightRequestTracker tracks unacknowledged batches per destination host
// and gates new pushes on the host's current limit.
type InFlightRequestTracker struct {
	maxInFlightTotal int
	maxBytesTotal    int64
	waitTimeout      time.Duration
	checkInterval    time.Duration
	strategy         PushStrategy

	batchID    atomic.Int64
	hosts      sync.Map // host -> *hostInFlight
	totalCount atomic.Int64
	totalBytes atomic.Int64

	// changed is closed and replaced whenever a batch is removed on any
	// host. Swapping it needs no lock shared across hosts.
	changed atomic.Pointer[chan struct{}]

	exc         *exceptionCell
	cleaned     atomic.Bool
	cleanupCh   chan struct{}
	cleanupOnce sync.Once

	logger *slog.Logger
}

// NewInFlightRequestTracker builds a standalone tracker with its own
// failure slot.
func NewInFlightRequestTracker(cfg config.PushConfig, logger *slog.Logger) (*InFlightRequestTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return newInFlightRequestTracker(cfg, newExceptionCell(logger), logger)
}

func newInFlightRequestTracker(cfg config.PushConfig, exc *exceptionCell, logger *slog.Logger) (*InFlightRequestTracker, error) {
	strategy, err := NewPushStrategy(cfg)
	if err != nil {
		return nil, err
	}

	checkInterval := cfg.LimitCheckInterval
	if checkInterval <= 0 {
		checkInterval = 50 * time.Millisecond
	}
	waitTimeout := cfg.LimitWaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 240 * time.Second
	}

	t := &InFlightRequestTracker{
		maxInFlightTotal: cfg.MaxInFlightTotal,
		maxBytesTotal:    cfg.MaxInFlightBytesTotal,
		waitTimeout:      waitTimeout,
		checkInterval:    checkInterval,
		strategy:         strategy,
		exc:              exc,
		cleanupCh:        make(chan struct{}),
		logger:           logger,
	}
	ch := make(chan struct{})
	t.changed.Store(&ch)
	return t, nil
}

// NextBatchID returns the next session-unique batch id, starting at 1.
func (t *InFlightRequestTracker) NextBatchID() int {
	return int(t.batchID.Add(1))
}

func (t *InFlightRequestTracker) host(host string) *hostInFlight {
	if v, ok := t.hosts.Load(host); ok {
		return v.(*hostInFlight)
	}
	v, _ := t.hosts.LoadOrStore(host, newHostInFlight())
	if t.cleaned.Load() {
		// raced with Cleanup; callers see cleaned and drop the entry
		t.hosts.Delete(host)
	}
	return v.(*hostInFlight)
}

// AddBatch registers batchID as in flight to host. Adding an id that is
// already in flight on the host only replaces its size.
func (t *InFlightRequestTracker) AddBatch(batchID, byteSize int, host string) {
	if t.cleaned.Load() {
		return
	}
	h := t.host(host)

	h.mu.Lock()
	if t.cleaned.Load() {
		h.mu.Unlock()
		return
	}
	prev, exists := h.batches[batchID]
	h.batches[batchID] = byteSize
	delta := int64(byteSize - prev)
	h.bytes += delta
	t.totalBytes.Add(delta)
	count := 0
	if !exists {
		count = 1
		t.totalCount.Add(1)
	}
	// applied under h.mu so Cleanup cannot subtract the batch first
	if m := metrics.Get(); m != nil {
		m.AddInFlight(count, int(delta))
	}
	h.mu.Unlock()
}

// RemoveBatch drops batchID from host. Unknown ids are ignored.
func (t *InFlightRequestTracker) RemoveBatch(batchID int, host string) {
	v, ok := t.hosts.Load(host)
	if !ok {
		t.logger.Debug("remove of batch for unknown host", "batch_id", batchID, "host", host)
		return
	}
	h := v.(*hostInFlight)

	h.mu.Lock()
	size, ok := h.batches[batchID]
	if !ok {
		h.mu.Unlock()
		t.logger.Debug("remove of unknown batch", "batch_id", batchID, "host", host)
		return
	}
	delete(h.batches, batchID)
	h.bytes -= int64(size)
	t.totalBytes.Add(-int64(size))
	t.totalCount.Add(-1)
	if m := metrics.Get(); m != nil {
		m.AddInFlight(-1, -size)
	}
	h.notifyLocked()
	h.mu.Unlock()

	t.notify()
}

// OnSuccess lets the strategy relax the host's limit.
func (t *InFlightRequestTracker) OnSuccess(host string) {
	t.strategy.OnSuccess(host)
	if v, ok := t.hosts.Load(host); ok {
		h := v.(*hostInFlight)
		h.mu.Lock()
		h.notifyLocked()
		h.mu.Unlock()
	}
}

// OnCongestControl reduces the host's limit.
func (t *InFlightRequestTracker) OnCongestControl(host string) {
	t.strategy.OnCongestControl(host)
	t.logger.Debug("congestion control", "host", host, "max_in_flight", t.strategy.CurrentMaxInFlight(host))
	if m := metrics.Get(); m != nil {
		m.IncCongestion(host)
	}
}

func (t *InFlightRequestTracker) notify() {
	ch := make(chan struct{})
	close(*t.changed.Swap(&ch))
}

func (t *InFlightRequestTracker) watch() <-chan struct{} {
	return *t.changed.Load()
}

func (t *InFlightRequestTracker) bytesExceeded() bool {
	return t.maxBytesTotal > 0 && t.totalBytes.Load() > t.maxBytesTotal
}

// LimitMaxInFlight blocks until host is at or below its limit and the
// session is within its total caps. It returns false on timeout or after
// Cleanup, and an error wrapping ErrPushAborted once the session failed.
func (t *InFlightRequestTracker) LimitMaxInFlight(ctx context.Context, host string) (bool, error) {
	return t.wait(ctx, metrics.WaitMax, host, false, func() (bool, []<-chan struct{}) {
		// Only looked up: a wait must not create host state. A host with
		// nothing in flight has no entry and a nil channel.
		var hostCh <-chan struct{}
		count := 0
		if v, ok := t.hosts.Load(host); ok {
			hostCh, count = v.(*hostInFlight).watch()
		}
		globalCh := t.watch()
		ok := count <= t.strategy.CurrentMaxInFlight(host) &&
			t.totalCount.Load() <= int64(t.maxInFlightTotal) &&
			!t.bytesExceeded()
		return ok, []<-chan struct{}{hostCh, globalCh}
	})
}

// LimitZeroInFlight blocks until nothing is in flight on any host. After
// Cleanup it returns true.
func (t *InFlightRequestTracker) LimitZeroInFlight(ctx context.Context) (bool, error) {
	return t.wait(ctx, metrics.WaitZero, "", true, func() (bool, []<-chan struct{}) {
		globalCh := t.watch()
		return t.totalCount.Load() == 0, []<-chan struct{}{globalCh}
	})
}

// wait polls ready until it holds. ready must grab its wake channels before
// reading the counters so that no change between the two is missed.
func (t *InFlightRequestTracker) wait(
	ctx context.Context,
	kind, host string,
	afterCleanup bool,
	ready func() (bool, []<-chan struct{}),
) (bool, error) {
	start := time.Now()
	observe := func() {
		if m := metrics.Get(); m != nil {
			m.ObserveLimitWait(kind, time.Since(start).Seconds())
		}
	}

	var ticker *time.Ticker
	var deadline *time.Timer
	defer func() {
		if ticker != nil {
			ticker.Stop()
			deadline.Stop()
		}
	}()

	for {
		if err := t.exc.abortErr(); err != nil {
			return false, err
		}
		if t.cleaned.Load() {
			return afterCleanup, nil
		}

		ok, chans := ready()
		if ok {
			if ticker != nil {
				observe()
			}
			return true, nil
		}

		if ticker == nil {
			ticker = time.NewTicker(t.checkInterval)
			deadline = time.NewTimer(t.waitTimeout)
		}

		var ch0, ch1 <-chan struct{}
		ch0 = chans[0]
		if len(chans) > 1 {
			ch1 = chans[1]
		}

		select {
		case <-ch0:
		case <-ch1:
		case <-t.exc.done:
		case <-t.cleanupCh:
		case <-ticker.C:
		case <-deadline.C:
			observe()
			t.logger.Warn("timed out waiting for in-flight pushes",
				"kind", kind,
				"host", host,
				"in_flight", t.totalCount.Load(),
				"in_flight_bytes", t.totalBytes.Load(),
				"timeout", t.waitTimeout,
			)
			if m := metrics.Get(); m != nil {
				m.IncLimitWaitTimeout(kind)
			}
			return false, nil
		case <-ctx.Done():
			t.exc.set(ctx.Err())
			return false, t.exc.abortErr()
		}
	}
}

// RemainingAllowPushes returns how many more pushes to host would pass the
// admission check right now.
func (t *InFlightRequestTracker) RemainingAllowPushes(host string) int {
	if t.cleaned.Load() || t.bytesExceeded() {
		return 0
	}

	count := 0
	if v, ok := t.hosts.Load(host); ok {
		h := v.(*hostInFlight)
		h.mu.Lock()
		count = len(h.batches)
		h.mu.Unlock()
	}

	hostRoom := t.strategy.CurrentMaxInFlight(host) - count
	totalRoom := t.maxInFlightTotal - int(t.totalCount.Load())
	room := min(hostRoom, totalRoom) + 1
	if room < 0 {
		return 0
	}
	return room
}

// InFlight returns the number of batches and bytes in flight to host.
func (t *InFlightRequestTracker) InFlight(host string) (int, int64) {
	v, ok := t.hosts.Load(host)
	if !ok {
		return 0, 0
	}
	h := v.(*hostInFlight)
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.batches), h.bytes
}

// TotalInFlight returns the session-wide in-flight batches and bytes.
func (t *InFlightRequestTracker) TotalInFlight() (int, int64) {
	return int(t.totalCount.Load()), t.totalBytes.Load()
}

// Cleanup drops every host's state and wakes all waiters. Safe to call
// more than once.
func (t *InFlightRequestTracker) Cleanup() {
	t.cleanupOnce.Do(func() {
		t.cleaned.Store(true)
		close(t.cleanupCh)

		m := metrics.Get()
		var droppedCount, droppedBytes int
		t.hosts.Range(func(k, v any) bool {
			h := v.(*hostInFlight)
			h.mu.Lock()
			n, b := len(h.batches), h.bytes
			h.batches = make(map[int]int)
			h.bytes = 0
			t.totalCount.Add(-int64(n))
			t.totalBytes.Add(-b)
			if m != nil {
				m.AddInFlight(-n, -int(b))
			}
			h.notifyLocked()
			h.mu.Unlock()

			droppedCount += n
			droppedBytes += int(b)
			t.hosts.Delete(k)
			return true
		})
		t.strategy.Clear()
		t.notify()

		if droppedCount > 0 {
			t.logger.Warn("cleanup dropped in-flight batches",
				"batches", droppedCount,
				"bytes", droppedBytes,
			)
		}
	})
}
