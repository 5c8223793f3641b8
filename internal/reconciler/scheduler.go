package reconciler

import (
	"context"
	"time"

	"adguardsync/pkg/logging"
)

// PassFunc executes one reconciliation pass. The app wires it to snapshot
// discovery, generate the desired state and call Reconcile.
type PassFunc func(ctx context.Context) error

// Scheduler serializes all reconciliation triggers into at most one active
// pass.
//
// Discovery change notifications open a debounce window so bursts coalesce
// into a single pass; a periodic ticker provides the fallback pass when no
// changes arrive. A notification that lands while a pass is running is
// recorded and served by an immediate follow-up pass. On shutdown an
// in-flight pass gets a bounded grace period to finish before its context
// is cancelled.
type Scheduler struct {
	pass PassFunc

	debounce time.Duration
	interval time.Duration
	grace    time.Duration

	// trigger has capacity 1: a pending notification already covers any
	// further changes until the next pass snapshots discovery.
	trigger chan struct{}
}

// NewScheduler creates a scheduler around pass.
func NewScheduler(pass PassFunc, debounce, interval, grace time.Duration) *Scheduler {
	return &Scheduler{
		pass:     pass,
		debounce: debounce,
		interval: interval,
		grace:    grace,
		trigger:  make(chan struct{}, 1),
	}
}

// Notify signals that discovery changed. Never blocks; a burst of calls
// collapses into one pending trigger.
func (s *Scheduler) Notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the trigger loop until ctx is cancelled. Always returns nil on
// shutdown so it composes with errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// The debounce timer starts stopped; it only runs while a change window
	// is open.
	debounce := time.NewTimer(s.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	logging.Info("Scheduler", "Started: debounce %s, interval %s", s.debounce, s.interval)

	for {
		select {
		case <-ctx.Done():
			logging.Info("Scheduler", "Shutting down")
			return nil

		case <-s.trigger:
			// Open (or extend) the debounce window.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(s.debounce)
			logging.Debug("Scheduler", "Change trigger received, debouncing for %s", s.debounce)

		case <-debounce.C:
			s.runPasses(ctx)
			drainTicker(ticker)

		case <-ticker.C:
			// Periodic fallback. A pending debounce window is satisfied by
			// this pass too.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			logging.Debug("Scheduler", "Periodic pass")
			s.runPasses(ctx)
			drainTicker(ticker)
		}
	}
}

// runPasses executes one pass plus immediate follow-ups for triggers that
// arrived while a pass was running.
func (s *Scheduler) runPasses(ctx context.Context) {
	for {
		passCtx, finish := s.passContext(ctx)
		if err := s.pass(passCtx); err != nil {
			logging.Error("Scheduler", err, "Reconciliation pass failed")
		}
		finish()

		if ctx.Err() != nil {
			return
		}

		select {
		case <-s.trigger:
			logging.Debug("Scheduler", "Trigger arrived during pass, running follow-up")
		default:
			return
		}
	}
}

// passContext decouples the pass from immediate shutdown cancellation: when
// the parent is cancelled the pass keeps its context for up to the grace
// period, avoiding a half-applied rule set.
func (s *Scheduler) passContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			logging.Warn("Scheduler", "Shutdown grace period of %s elapsed, cancelling in-flight pass", s.grace)
			cancel()
		case <-ctx.Done():
		}
	})

	return ctx, func() {
		stop()
		cancel()
	}
}

func drainTicker(ticker *time.Ticker) {
	select {
	case <-ticker.C:
	default:
	}
}
