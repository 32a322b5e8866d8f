package push

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/metrics"
)

const hostA = "worker-a:9097"
const hostB = "worker-b:9097"

func testPushConfig() config.PushConfig {
	cfg := config.DefaultPush()
	cfg.MaxInFlightPerWorker = 2
	cfg.MaxInFlightTotal = 256
	cfg.CongestReducedInFlight = 1
	cfg.LimitWaitTimeout = 5 * time.Second
	cfg.LimitCheckInterval = 10 * time.Millisecond
	return cfg
}

func newTestTracker(t *testing.T, cfg config.PushConfig) *InFlightRequestTracker {
	t.Helper()
	tr, err := NewInFlightRequestTracker(cfg, nil)
	if err != nil {
		t.Fatalf("NewInFlightRequestTracker failed: %v", err)
	}
	t.Cleanup(tr.Cleanup)
	return tr
}

// waitResult runs fn in a goroutine and returns a channel with its outcome.
func waitResult(fn func() (bool, error)) <-chan struct {
	ok  bool
	err error
} {
	ch := make(chan struct {
		ok  bool
		err error
	}, 1)
	go func() {
		ok, err := fn()
		ch <- struct {
			ok  bool
			err error
		}{ok, err}
	}()
	return ch
}

func TestAddRemoveReturnsToZero(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())
	rng := rand.New(rand.NewSource(7))

	type added struct {
		id   int
		host string
	}
	var live []added
	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			tr.RemoveBatch(live[j].id, live[j].host)
			live = append(live[:j], live[j+1:]...)
			continue
		}
		host := hostA
		if rng.Intn(2) == 0 {
			host = hostB
		}
		id := tr.NextBatchID()
		tr.AddBatch(id, 1+rng.Intn(1000), host)
		live = append(live, added{id, host})
	}
	for _, a := range live {
		tr.RemoveBatch(a.id, a.host)
	}

	for _, host := range []string{hostA, hostB} {
		if n, b := tr.InFlight(host); n != 0 || b != 0 {
			t.Errorf("%s in flight = %d batches, %d bytes, want 0", host, n, b)
		}
	}
	if n, b := tr.TotalInFlight(); n != 0 || b != 0 {
		t.Errorf("total in flight = %d batches, %d bytes, want 0", n, b)
	}
}

func TestRemoveUnknownBatchIsNoop(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())

	tr.AddBatch(1, 100, hostA)
	tr.RemoveBatch(99, hostA)
	tr.RemoveBatch(1, hostB)
	tr.RemoveBatch(1, hostA)
	tr.RemoveBatch(1, hostA) // duplicate acknowledgement

	if n, b := tr.TotalInFlight(); n != 0 || b != 0 {
		t.Fatalf("total in flight = %d/%d, want 0/0", n, b)
	}
}

func TestAddSameBatchReplacesSize(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())

	tr.AddBatch(1, 100, hostA)
	tr.AddBatch(1, 40, hostA)

	n, b := tr.InFlight(hostA)
	if n != 1 || b != 40 {
		t.Fatalf("in flight = %d/%d, want 1/40", n, b)
	}
}

func TestNextBatchIDConcurrent(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())

	const goroutines = 16
	const perGoroutine = 500

	ids := make(chan int, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ids <- tr.NextBatchID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	var got []int
	for id := range ids {
		got = append(got, id)
	}
	sort.Ints(got)
	for i, id := range got {
		if id != i+1 {
			t.Fatalf("ids not contiguous at %d: got %d", i, id)
		}
	}
}

func TestCongestionNeverIncreasesRemaining(t *testing.T) {
	for _, strategy := range []string{config.StrategySimple, config.StrategySlowStart} {
		t.Run(strategy, func(t *testing.T) {
			cfg := testPushConfig()
			cfg.MaxInFlightPerWorker = 8
			cfg.PushStrategy = strategy

			for inFlight := 0; inFlight < 10; inFlight++ {
				plain := newTestTracker(t, cfg)
				congested := newTestTracker(t, cfg)
				for i := 0; i < 4; i++ {
					plain.OnSuccess(hostA)
					congested.OnSuccess(hostA)
				}
				for i := 1; i <= inFlight; i++ {
					plain.AddBatch(i, 10, hostA)
					congested.AddBatch(i, 10, hostA)
				}

				congested.OnCongestControl(hostA)

				if c, p := congested.RemainingAllowPushes(hostA), plain.RemainingAllowPushes(hostA); c > p {
					t.Errorf("in_flight=%d: remaining after congestion %d > %d", inFlight, c, p)
				}
			}
		})
	}
}

func TestMaxInFlightScenario(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())
	ctx := context.Background()

	for id := 1; id <= 3; id++ {
		tr.AddBatch(id, 10, hostA)
	}
	if got := tr.RemainingAllowPushes(hostA); got != 0 {
		t.Fatalf("remaining with 3 in flight = %d, want 0", got)
	}

	tr.RemoveBatch(1, hostA)
	if got := tr.RemainingAllowPushes(hostA); got != 1 {
		t.Fatalf("remaining after one removal = %d, want 1", got)
	}

	tr.AddBatch(4, 10, hostA)
	if got := tr.RemainingAllowPushes(hostA); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}

	res := waitResult(func() (bool, error) { return tr.LimitMaxInFlight(ctx, hostA) })
	select {
	case r := <-res:
		t.Fatalf("LimitMaxInFlight returned early: %v, %v", r.ok, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	tr.RemoveBatch(2, hostA)

	select {
	case r := <-res:
		if !r.ok || r.err != nil {
			t.Fatalf("LimitMaxInFlight = %v, %v, want true, nil", r.ok, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("LimitMaxInFlight did not unblock after removal")
	}
}

func TestLimitMaxInFlightOtherHostNotBlocked(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())

	for id := 1; id <= 3; id++ {
		tr.AddBatch(id, 10, hostA)
	}

	ok, err := tr.LimitMaxInFlight(context.Background(), hostB)
	if !ok || err != nil {
		t.Fatalf("LimitMaxInFlight(hostB) = %v, %v, want true, nil", ok, err)
	}
}

func TestLimitMaxInFlightUnblocksOnException(t *testing.T) {
	cfg := testPushConfig()
	exc := newExceptionCell(discardLogger())
	tr, err := newInFlightRequestTracker(cfg, exc, discardLogger())
	if err != nil {
		t.Fatalf("newInFlightRequestTracker failed: %v", err)
	}
	defer tr.Cleanup()

	for id := 1; id <= 3; id++ {
		tr.AddBatch(id, 10, hostA)
	}

	res := waitResult(func() (bool, error) { return tr.LimitMaxInFlight(context.Background(), hostA) })
	time.Sleep(20 * time.Millisecond)

	cause := errors.New("connection reset")
	exc.set(cause)

	select {
	case r := <-res:
		if r.ok {
			t.Fatal("LimitMaxInFlight should not report capacity after failure")
		}
		if !errors.Is(r.err, ErrPushAborted) || !errors.Is(r.err, cause) {
			t.Fatalf("error = %v, want ErrPushAborted wrapping cause", r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("LimitMaxInFlight did not unblock after exception")
	}

	// checked before waiting, too
	if _, err := tr.LimitZeroInFlight(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("LimitZeroInFlight error = %v, want cause", err)
	}
}

func TestLimitWaitTimeout(t *testing.T) {
	cfg := testPushConfig()
	cfg.LimitWaitTimeout = 80 * time.Millisecond
	tr := newTestTracker(t, cfg)

	tr.AddBatch(1, 10, hostA)

	start := time.Now()
	ok, err := tr.LimitZeroInFlight(context.Background())
	if ok || err != nil {
		t.Fatalf("LimitZeroInFlight = %v, %v, want false, nil", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("returned after %v, before timeout", elapsed)
	}
}

func TestLimitZeroInFlight(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())

	tr.AddBatch(1, 10, hostA)
	tr.AddBatch(2, 10, hostB)

	res := waitResult(func() (bool, error) { return tr.LimitZeroInFlight(context.Background()) })

	tr.RemoveBatch(1, hostA)
	select {
	case r := <-res:
		t.Fatalf("returned with a batch still in flight: %v, %v", r.ok, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	tr.RemoveBatch(2, hostB)
	select {
	case r := <-res:
		if !r.ok || r.err != nil {
			t.Fatalf("LimitZeroInFlight = %v, %v, want true, nil", r.ok, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("LimitZeroInFlight did not unblock")
	}
}

func TestCleanupWakesWaiters(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())

	for id := 1; id <= 3; id++ {
		tr.AddBatch(id, 10, hostA)
	}

	maxRes := waitResult(func() (bool, error) { return tr.LimitMaxInFlight(context.Background(), hostA) })
	zeroRes := waitResult(func() (bool, error) { return tr.LimitZeroInFlight(context.Background()) })
	time.Sleep(20 * time.Millisecond)

	tr.Cleanup()
	tr.Cleanup()

	for name, res := range map[string]<-chan struct {
		ok  bool
		err error
	}{"max": maxRes, "zero": zeroRes} {
		select {
		case r := <-res:
			if r.err != nil {
				t.Errorf("%s: unexpected error %v", name, r.err)
			}
			if want := name == "zero"; r.ok != want {
				t.Errorf("%s: ok = %v, want %v", name, r.ok, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s waiter not woken by cleanup", name)
		}
	}

	if got := tr.RemainingAllowPushes(hostA); got != 0 {
		t.Errorf("remaining after cleanup = %d, want 0", got)
	}
	if n, b := tr.TotalInFlight(); n != 0 || b != 0 {
		t.Errorf("total after cleanup = %d/%d, want 0/0", n, b)
	}

	tr.AddBatch(10, 10, hostA)
	if n, _ := tr.TotalInFlight(); n != 0 {
		t.Errorf("add after cleanup was accounted")
	}
}

func hostEntries(tr *InFlightRequestTracker) int {
	n := 0
	tr.hosts.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestCleanupReleasesHostState(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())
	tr.AddBatch(1, 10, hostA)
	tr.AddBatch(2, 10, hostB)

	tr.Cleanup()

	ok, err := tr.LimitMaxInFlight(context.Background(), hostA)
	if ok || err != nil {
		t.Errorf("LimitMaxInFlight after cleanup = %v, %v, want false, nil", ok, err)
	}
	if _, err := tr.LimitMaxInFlight(context.Background(), "worker-c:9097"); err != nil {
		t.Errorf("LimitMaxInFlight for a new host after cleanup: %v", err)
	}
	tr.AddBatch(3, 10, "worker-d:9097")
	tr.RemoveBatch(1, hostA)
	_ = tr.RemainingAllowPushes(hostB)

	if n := hostEntries(tr); n != 0 {
		t.Errorf("host entries after cleanup = %d, want 0", n)
	}
}

func TestLimitMaxInFlightDoesNotCreateHost(t *testing.T) {
	tr := newTestTracker(t, testPushConfig())

	ok, err := tr.LimitMaxInFlight(context.Background(), hostA)
	if !ok || err != nil {
		t.Fatalf("LimitMaxInFlight = %v, %v, want true, nil", ok, err)
	}
	if n := hostEntries(tr); n != 0 {
		t.Errorf("host entries = %d, want 0", n)
	}
}

func TestRemovalsOnManyHostsWakeZeroWait(t *testing.T) {
	cfg := testPushConfig()
	cfg.LimitCheckInterval = time.Hour // wakeups must come from removals
	tr := newTestTracker(t, cfg)

	const hosts, perHost = 8, 50
	for h := 0; h < hosts; h++ {
		for i := 0; i < perHost; i++ {
			tr.AddBatch(h*perHost+i, 1, fmt.Sprintf("worker-%d:9097", h))
		}
	}

	res := waitResult(func() (bool, error) { return tr.LimitZeroInFlight(context.Background()) })

	var wg sync.WaitGroup
	for h := 0; h < hosts; h++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			host := fmt.Sprintf("worker-%d:9097", h)
			for i := 0; i < perHost; i++ {
				tr.RemoveBatch(h*perHost+i, host)
			}
		}(h)
	}
	wg.Wait()

	select {
	case r := <-res:
		if !r.ok || r.err != nil {
			t.Fatalf("LimitZeroInFlight = %v, %v, want true, nil", r.ok, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("zero wait missed the last removal")
	}
}

func TestInFlightGaugesSettleAfterCleanup(t *testing.T) {
	m := metrics.Init("push_test", prometheus.NewRegistry())
	tr := newTestTracker(t, testPushConfig())

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			host := fmt.Sprintf("worker-%d:9097", g)
			for i := 0; i < 500; i++ {
				id := tr.NextBatchID()
				tr.AddBatch(id, 7, host)
				if i%3 == 0 {
					tr.RemoveBatch(id, host)
				}
			}
		}(g)
	}
	time.Sleep(time.Millisecond)
	tr.Cleanup()
	wg.Wait()

	if got := testutil.ToFloat64(m.BatchesInFlight); got != 0 {
		t.Errorf("batches_in_flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.BytesInFlight); got != 0 {
		t.Errorf("bytes_in_flight = %v, want 0", got)
	}
}

func TestContextCancelAbortsSession(t *testing.T) {
	cfg := testPushConfig()
	exc := newExceptionCell(discardLogger())
	tr, err := newInFlightRequestTracker(cfg, exc, discardLogger())
	if err != nil {
		t.Fatalf("newInFlightRequestTracker failed: %v", err)
	}
	defer tr.Cleanup()

	tr.AddBatch(1, 10, hostA)

	ctx, cancel := context.WithCancel(context.Background())
	res := waitResult(func() (bool, error) { return tr.LimitZeroInFlight(ctx) })
	cancel()

	select {
	case r := <-res:
		if r.ok || !errors.Is(r.err, context.Canceled) || !errors.Is(r.err, ErrPushAborted) {
			t.Fatalf("LimitZeroInFlight = %v, %v", r.ok, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock the wait")
	}
	if !errors.Is(exc.load(), context.Canceled) {
		t.Fatalf("recorded exception = %v, want context.Canceled", exc.load())
	}
}

func TestByteCap(t *testing.T) {
	cfg := testPushConfig()
	cfg.MaxInFlightPerWorker = 100
	cfg.MaxInFlightBytesTotal = 1000
	tr := newTestTracker(t, cfg)

	tr.AddBatch(1, 600, hostA)
	tr.AddBatch(2, 600, hostB)

	if got := tr.RemainingAllowPushes(hostA); got != 0 {
		t.Fatalf("remaining over byte cap = %d, want 0", got)
	}

	res := waitResult(func() (bool, error) { return tr.LimitMaxInFlight(context.Background(), hostA) })
	select {
	case r := <-res:
		t.Fatalf("returned over byte cap: %v, %v", r.ok, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	// a removal on another host releases bytes for hostA
	tr.RemoveBatch(2, hostB)
	select {
	case r := <-res:
		if !r.ok || r.err != nil {
			t.Fatalf("LimitMaxInFlight = %v, %v, want true, nil", r.ok, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("LimitMaxInFlight did not unblock after bytes were released")
	}
}

func TestTotalCap(t *testing.T) {
	cfg := testPushConfig()
	cfg.MaxInFlightPerWorker = 10
	cfg.MaxInFlightTotal = 3
	tr := newTestTracker(t, cfg)

	tr.AddBatch(1, 1, hostA)
	tr.AddBatch(2, 1, hostB)
	tr.AddBatch(3, 1, hostB)

	if got := tr.RemainingAllowPushes(hostA); got != 1 {
		t.Fatalf("remaining = %d, want 1", got)
	}
	tr.AddBatch(4, 1, hostB)
	if got := tr.RemainingAllowPushes(hostA); got != 0 {
		t.Fatalf("remaining over total cap = %d, want 0", got)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	cfg := testPushConfig()
	cfg.MaxInFlightPerWorker = 4
	tr := newTestTracker(t, cfg)
	ctx := context.Background()

	hosts := []string{hostA, hostB, "worker-c:9097"}
	var wg sync.WaitGroup
	for g := 0; g < 12; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			host := hosts[g%len(hosts)]
			for i := 0; i < 200; i++ {
				ok, err := tr.LimitMaxInFlight(ctx, host)
				if err != nil || !ok {
					t.Errorf("LimitMaxInFlight = %v, %v", ok, err)
					return
				}
				id := tr.NextBatchID()
				tr.AddBatch(id, 64, host)
				go func() {
					time.Sleep(time.Duration(id%3) * time.Microsecond)
					tr.RemoveBatch(id, host)
					tr.OnSuccess(host)
				}()
			}
		}(g)
	}
	wg.Wait()

	ok, err := tr.LimitZeroInFlight(ctx)
	if !ok || err != nil {
		t.Fatalf("LimitZeroInFlight = %v, %v", ok, err)
	}
	if n, b := tr.TotalInFlight(); n != 0 || b != 0 {
		t.Fatalf("total = %d/%d, want 0/0", n, b)
	}
}
