package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/weather"
)

// abandonGrace bounds how long abandoned work may keep running before its context is cancelled.
const abandonGrace = 2 * time.Second

// Input is what a provider gets to work with for one turn.
type Input struct {
	Query    string
	Location *weather.Location
}

// ProgressFunc receives human readable status updates while a provider runs.
// It may be called from any goroutine and must not block; the chat turn drops an update
// rather than wait for a slow client.
type ProgressFunc func(status string)

// Provider is one enrichment source.
type Provider interface {
	Name() string
	Start(ctx context.Context, input Input, onProgress ProgressFunc) *Handle
}

// Handle is a running enrichment task. It yields exactly one Result, handed out at most once
// through TryResult or Await.
type Handle struct {
	provider string
	done     chan struct{}
	result   Result
	taken    atomic.Bool

	cancel      context.CancelFunc
	abandonOnce sync.Once
}

// Run starts fn in its own goroutine under a context detached from parent's cancellation and
// bounded by timeout. Errors and panics become Absent results.
func Run(parent context.Context, provider string, timeout time.Duration, log *logger.Logger, fn func(ctx context.Context) (Result, error)) *Handle {
	ctx := context.WithoutCancel(parent)
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	h := &Handle{
		provider: provider,
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Error("enrichment provider panicked",
					slog.String("provider", provider),
					slog.String("panic", fmt.Sprint(r)))
				h.result = absentFor(provider, "panic")
			}
		}()

		result, err := fn(ctx)
		if err != nil {
			log.WithContext(parent).Warn("enrichment provider failed",
				slog.String("provider", provider),
				slog.String("error", err.Error()))
			h.result = absentFor(provider, err.Error())
			return
		}
		result.Provider = provider
		h.result = result
	}()

	return h
}

// Resolved returns a Handle that is already done with result.
func Resolved(provider string, result Result) *Handle {
	result.Provider = provider
	h := &Handle{
		provider: provider,
		done:     make(chan struct{}),
		result:   result,
		cancel:   func() {},
	}
	close(h.done)
	return h
}

func absentFor(provider, reason string) Result {
	r := Absent(reason)
	r.Provider = provider
	return r
}

func (h *Handle) Provider() string {
	return h.provider
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// TryResult returns the result if it is ready and has not been handed out yet.
func (h *Handle) TryResult() (Result, bool) {
	select {
	case <-h.done:
	default:
		return Result{}, false
	}
	if !h.taken.CompareAndSwap(false, true) {
		return Result{}, false
	}
	return h.result, true
}

// Await waits up to timeout for the result. On timeout it returns Absent and the work keeps
// running; the result can still be collected later with TryResult.
func (h *Handle) Await(timeout time.Duration) Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		return absentFor(h.provider, "timeout")
	}
	if r, ok := h.TryResult(); ok {
		return r
	}
	return absentFor(h.provider, "already consumed")
}

// Abandon gives the task abandonGrace to finish, then cancels its context.
func (h *Handle) Abandon() {
	h.abandonOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		timer := time.AfterFunc(abandonGrace, h.cancel)
		go func() {
			<-h.done
			timer.Stop()
		}()
	})
}
