package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/metrics"
	"github.com/rs/zerolog"
)

// Synchronizer synchronizes every attached managed server. The manager
// implements it.
type Synchronizer interface {
	SynchronizeAll(ctx context.Context) error
}

// Reconciler periodically synchronizes all managed servers
type Reconciler struct {
	sync     Synchronizer
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewReconciler creates a new reconciler. A cycle may take at most
// interval; an interval of zero or less disables the loop.
func NewReconciler(s Synchronizer, interval time.Duration) *Reconciler {
	return &Reconciler{
		sync:     s,
		interval: interval,
		timeout:  interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	if r.interval <= 0 {
		r.logger.Info().Msg("Periodic synchronization disabled")
		close(r.doneCh)
		return
	}
	go r.run()
}

// Stop stops the reconciler and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one reconciliation cycle. Failures are logged and
// counted; the loop keeps going.
func (r *Reconciler) reconcile() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := r.sync.SynchronizeAll(ctx)
	timer.ObserveDuration(metrics.ReconciliationDuration)
	if err != nil {
		metrics.ReconciliationCyclesTotal.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Dur("duration", timer.Duration()).Msg("Reconciliation cycle had failures")
		return
	}
	metrics.ReconciliationCyclesTotal.WithLabelValues("ok").Inc()
	r.logger.Debug().Dur("duration", timer.Duration()).Msg("Reconciliation cycle complete")
}
