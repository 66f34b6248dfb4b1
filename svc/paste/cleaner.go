package paste

import (
	"context"
	"time"

	"aurapaste/metrics"
	"aurapaste/svc/util"
)

// ExpiredPruner physically removes paste rows whose expiry has passed.
type ExpiredPruner interface {
	CleanupExpiredPastes(ctx context.Context) (int, error)
}

// StartCleaner runs the pruner on a fixed interval until ctx is
// cancelled. Reads stay correct without it; this only reclaims storage.
func StartCleaner(ctx context.Context, pruner ExpiredPruner, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := pruner.CleanupExpiredPastes(ctx)
				metrics.PruneCycles.Inc()
				if err != nil {
					util.Warn().Err(err).Msg("expired paste cleanup failed")
					continue
				}
				if deleted > 0 {
					util.Info().Int("deleted", deleted).Msg("pruned expired pastes")
				}
			}
		}
	}()
}
