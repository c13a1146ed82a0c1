// Package sbservice provides the ticker-driven background refresh loop
// that periodically runs the update engine.
//
// Grounded on AdGuardDNS's internal/agd.RefreshWorker: a goroutine started
// by Start and stopped by Shutdown, logging at debug or info level
// depending on configuration, and reporting failures through an
// ErrorCollector instead of letting them escape the goroutine.
package sbservice

import (
	"context"
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// Refresher is implemented by anything RefreshWorker can drive
// periodically; the root Engine satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (err error)
}

// ErrorCollector reports a failed refresh.
type ErrorCollector interface {
	Collect(ctx context.Context, err error)
}

// RefreshWorkerConfig configures a RefreshWorker.
type RefreshWorkerConfig struct {
	// Refresher is invoked on every tick.
	Refresher Refresher

	// ErrorCollector reports refresh failures. Must not be nil.
	ErrorCollector ErrorCollector

	// Interval is the time between refreshes.
	Interval time.Duration

	// RefreshOnShutdown, if true, performs one final refresh when Shutdown
	// is called, before the worker goroutine exits.
	RefreshOnShutdown bool

	// RoutineLogsAreDebug, if true, logs routine tick messages at debug
	// level instead of info, for workers whose ticks are too frequent to
	// log at info without flooding.
	RoutineLogsAreDebug bool

	// Name identifies this worker in log messages.
	Name string
}

// RefreshWorker periodically calls a Refresher's Refresh method on a timer,
// until Shutdown is called.
type RefreshWorker struct {
	refr     Refresher
	errColl  ErrorCollector
	interval time.Duration
	onShut   bool
	debug    bool
	name     string

	done chan struct{}
	stop chan struct{}
}

// New returns a new, un-started RefreshWorker.
func New(c *RefreshWorkerConfig) (w *RefreshWorker) {
	return &RefreshWorker{
		refr:     c.Refresher,
		errColl:  c.ErrorCollector,
		interval: c.Interval,
		onShut:   c.RefreshOnShutdown,
		debug:    c.RoutineLogsAreDebug,
		name:     c.Name,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Start starts the refresh loop in a new goroutine. It must only be called
// once.
func (w *RefreshWorker) Start(ctx context.Context) (err error) {
	go w.refreshInALoop(ctx)

	return nil
}

// Shutdown stops the refresh loop, optionally performing one last refresh
// first, and waits for the loop goroutine to exit or ctx to be done.
func (w *RefreshWorker) Shutdown(ctx context.Context) (err error) {
	close(w.stop)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for refresh worker %q to stop: %w", w.name, ctx.Err())
	}
}

func (w *RefreshWorker) refreshInALoop(ctx context.Context) {
	defer close(w.done)

	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			w.refresh(ctx)
		case <-w.stop:
			if w.onShut {
				w.refresh(ctx)
			}

			return
		}
	}
}

func (w *RefreshWorker) refresh(ctx context.Context) {
	logf := log.Info
	if w.debug {
		logf = log.Debug
	}

	logf("%s: refresh started", w.name)

	err := w.refr.Refresh(ctx)
	if err != nil {
		w.errColl.Collect(ctx, fmt.Errorf("%s: refresh: %w", w.name, err))

		return
	}

	logf("%s: refresh finished successfully", w.name)
}
