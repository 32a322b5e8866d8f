package push

import (
	"fmt"
	"sync"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
)

// PushStrategy decides how many batches may be in flight to each host.
type PushStrategy interface {
	OnSuccess(host string)
	OnCongestControl(host string)
	CurrentMaxInFlight(host string) int
	Clear()
}

// NewPushStrategy builds the strategy named by cfg.PushStrategy.
func NewPushStrategy(cfg config.PushConfig) (PushStrategy, error) {
	switch cfg.PushStrategy {
	case config.StrategySimple, "":
		return newSimpleStrategy(cfg.MaxInFlightPerWorker, cfg.CongestReducedInFlight), nil
	case config.StrategySlowStart:
		return newSlowStartStrategy(cfg.MaxInFlightPerWorker, cfg.CongestReducedInFlight), nil
	default:
		return nil, fmt.Errorf("unknown push strategy %q", cfg.PushStrategy)
	}
}

type hostLimit struct {
	mu        sync.Mutex
	limit     int
	threshold int
}

// limitTable holds per-host limits created lazily with an initial value.
type limitTable struct {
	hosts     sync.Map // string -> *hostLimit
	initial   int
	threshold int
}

func (t *limitTable) get(host string) *hostLimit {
	if v, ok := t.hosts.Load(host); ok {
		return v.(*hostLimit)
	}
	v, _ := t.hosts.LoadOrStore(host, &hostLimit{limit: t.initial, threshold: t.threshold})
	return v.(*hostLimit)
}

func (t *limitTable) current(host string) int {
	v, ok := t.hosts.Load(host)
	if !ok {
		return t.initial
	}
	h := v.(*hostLimit)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limit
}

func (t *limitTable) clear() {
	t.hosts.Range(func(k, _ any) bool {
		t.hosts.Delete(k)
		return true
	})
}

// simpleStrategy allows max in flight per host, drops to the reduced cap on
// congestion and climbs back by one per success.
type simpleStrategy struct {
	max     int
	reduced int
	limits  limitTable
}

func newSimpleStrategy(max, reduced int) *simpleStrategy {
	if reduced > max {
		reduced = max
	}
	return &simpleStrategy{
		max:     max,
		reduced: reduced,
		limits:  limitTable{initial: max, threshold: max},
	}
}

func (s *simpleStrategy) OnSuccess(host string) {
	v, ok := s.limits.hosts.Load(host)
	if !ok {
		return // never congested, already at max
	}
	h := v.(*hostLimit)
	h.mu.Lock()
	if h.limit < s.max {
		h.limit++
	}
	h.mu.Unlock()
}

func (s *simpleStrategy) OnCongestControl(host string) {
	h := s.limits.get(host)
	h.mu.Lock()
	h.limit = s.reduced
	h.mu.Unlock()
}

func (s *simpleStrategy) CurrentMaxInFlight(host string) int {
	return s.limits.current(host)
}

func (s *simpleStrategy) Clear() {
	s.limits.clear()
}

// slowStartStrategy starts each host at the reduced cap and grows the limit
// like TCP slow start: doubling below the threshold, additive above it.
type slowStartStrategy struct {
	max    int
	base   int
	limits limitTable
}

func newSlowStartStrategy(max, reduced int) *slowStartStrategy {
	base := reduced
	if base < 1 {
		base = 1
	}
	if base > max {
		base = max
	}
	return &slowStartStrategy{
		max:    max,
		base:   base,
		limits: limitTable{initial: base, threshold: max},
	}
}

func (s *slowStartStrategy) OnSuccess(host string) {
	h := s.limits.get(host)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit < h.threshold {
		h.limit *= 2
		if h.limit > h.threshold {
			h.limit = h.threshold
		}
	} else {
		h.limit++
	}
	if h.limit > s.max {
		h.limit = s.max
	}
}

func (s *slowStartStrategy) OnCongestControl(host string) {
	h := s.limits.get(host)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.threshold = h.limit / 2
	if h.threshold < s.base {
		h.threshold = s.base
	}
	h.limit = s.base
}

func (s *slowStartStrategy) CurrentMaxInFlight(host string) int {
	return s.limits.current(host)
}

func (s *slowStartStrategy) Clear() {
	s.limits.clear()
}
