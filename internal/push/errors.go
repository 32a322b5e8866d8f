package push

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/metrics"
)

// ErrPushAborted is returned by the blocking waits once a push in the
// session has failed. The recorded cause is wrapped alongside it.
var ErrPushAborted = errors.New("push aborted")

type recordedErr struct {
	err error
}

// exceptionCell is the session's single-assignment failure slot.
// The first error stored wins; done is closed exactly once when it is set.
type exceptionCell struct {
	v      atomic.Pointer[recordedErr]
	done   chan struct{}
	logger *slog.Logger
}

func newExceptionCell(logger *slog.Logger) *exceptionCell {
	return &exceptionCell{
		done:   make(chan struct{}),
		logger: logger,
	}
}

// set records err if no error was recorded before. Reports whether this
// call won.
func (c *exceptionCell) set(err error) bool {
	if err == nil {
		return false
	}
	if !c.v.CompareAndSwap(nil, &recordedErr{err: err}) {
		return false
	}
	close(c.done)

	c.logger.Error("push session failed", "error", err)
	if m := metrics.Get(); m != nil {
		m.IncSessionFailures()
	}
	return true
}

func (c *exceptionCell) load() error {
	if r := c.v.Load(); r != nil {
		return r.err
	}
	return nil
}

// abortErr returns the error a blocked caller should fail with, or nil.
func (c *exceptionCell) abortErr() error {
	err := c.load()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPushAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPushAborted, err)
}
