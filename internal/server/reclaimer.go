package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reclaimer periodically returns commands whose owner stopped heartbeating
// to the PENDING queue. It is the server-side watchdog on execution: a
// command is stale once its owner's last heartbeat is older than the
// command timeout.
type Reclaimer struct {
	store    *Store
	log      zerolog.Logger
	timeout  time.Duration
	interval time.Duration

	busy bool // guards against overlapping runs
}

// NewReclaimer creates a stale-command reclaimer.
func NewReclaimer(store *Store, log zerolog.Logger, timeout, interval time.Duration) *Reclaimer {
	return &Reclaimer{
		store:    store,
		log:      log.With().Str("component", "reclaimer").Logger(),
		timeout:  timeout,
		interval: interval,
	}
}

// Run executes reclaim ticks until the context is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	r.log.Info().
		Dur("interval", r.interval).
		Dur("timeout", r.timeout).
		Msg("stale reclaimer started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("stale reclaimer stopped")
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce performs a single reclaim pass. Ticks that arrive while a pass
// is still in flight are skipped.
func (r *Reclaimer) RunOnce() {
	if r.busy {
		r.log.Debug().Msg("previous reclaim pass still running, skipping tick")
		return
	}
	r.busy = true
	defer func() { r.busy = false }()

	now := time.Now()
	cutoff := now.Add(-r.timeout)

	count, err := r.store.ReclaimStale(cutoff, now)
	if err != nil {
		r.log.Error().Err(err).Msg("stale reclaim pass failed")
		return
	}
	if count > 0 {
		r.log.Warn().Int64("count", count).Time("cutoff", cutoff).
			Msg("reclaimed stale commands from dead agents")
	}
}
