package message

import (
	"context"
	"log"
	"time"

	"github.com/campuslink/chat-core/internal/metrics"
)

// Sweeper periodically deletes expired room messages. It is idempotent and
// safe to run on several instances at once: the delete predicate makes
// concurrent sweeps race harmlessly.
type Sweeper struct {
	store    *Store
	interval time.Duration
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled. Individual sweep failures are logged and retried on the next
// tick rather than aborting the loop.
func (sw *Sweeper) Run(ctx context.Context) {
	log.Printf("[sweeper] running every %s", sw.interval)

	sw.sweep(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sweeper] stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := sw.store.SweepExpired(sweepCtx)
	if err != nil {
		log.Printf("[sweeper] sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[sweeper] deleted %d expired room messages", n)
	}
	metrics.SweptMessages.Add(float64(n))
}
