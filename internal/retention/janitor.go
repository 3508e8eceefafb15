// Package retention trims the transcription history. A janitor runs in the
// background, deleting items older than the configured age and capping
// the number of items kept.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/store"
)

// DefaultInterval is used when the policy names no sweep interval.
const DefaultInterval = time.Hour

// Policy bounds the history. Zero values disable the respective limit.
type Policy struct {
	MaxAge   time.Duration
	MaxItems int
	Interval time.Duration
}

// Enabled reports whether the policy limits anything.
func (p Policy) Enabled() bool { return p.MaxAge > 0 || p.MaxItems > 0 }

// Janitor periodically purges history according to a Policy.
type Janitor struct {
	history store.HistoryStore
	policy  Policy
	now     func() time.Time
}

// NewJanitor creates a janitor for the given store.
func NewJanitor(h store.HistoryStore, p Policy) *Janitor {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	return &Janitor{history: h, policy: p, now: time.Now}
}

// Start sweeps once immediately and then on every interval. It blocks
// until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.policy.Interval).
		Dur("max_age", j.policy.MaxAge).
		Int("max_items", j.policy.MaxItems).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.policy.Interval)
	defer ticker.Stop()

	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and returns the number of items removed.
func (j *Janitor) RunCycle(ctx context.Context) int {
	if !j.policy.Enabled() {
		return 0
	}
	start := time.Now()
	var cutoff time.Time
	if j.policy.MaxAge > 0 {
		cutoff = j.now().Add(-j.policy.MaxAge)
	}
	n, err := j.history.PurgeHistory(ctx, cutoff, j.policy.MaxItems)
	if err != nil {
		log.Warn().Err(err).Msg("Retention cycle failed")
		return 0
	}
	if n > 0 {
		log.Info().
			Int("purged", n).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return n
}
