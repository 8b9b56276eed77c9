package trust

import (
	"context"
	"fmt"
	"time"

	"trustgate/internal/config"
	"trustgate/internal/logging"
)

// Registry is the process-wide context object holding trust and breaker
// state. It replaces module-level singletons: construct one and pass it down.
type Registry struct {
	Trust    *Tracker
	Breakers *Breaker
}

// NewRegistry builds a registry from configuration. persist may be nil.
func NewRegistry(cfg *config.Config, persist StateStore) *Registry {
	return &Registry{
		Trust:    NewTracker(PolicyFromConfig(cfg), persist),
		Breakers: NewBreaker(BreakerPolicyFromConfig(cfg), persist),
	}
}

// Load restores both state machines from the store.
func (r *Registry) Load(ctx context.Context) error {
	if err := r.Trust.Load(ctx); err != nil {
		return fmt.Errorf("failed to load trust states: %w", err)
	}
	if err := r.Breakers.Load(ctx); err != nil {
		return fmt.Errorf("failed to load breaker states: %w", err)
	}
	return nil
}

// RunDecay applies trust decay every interval until ctx is done.
func (r *Registry) RunDecay(ctx context.Context, interval time.Duration, now func() time.Time) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Trust("decay loop started (interval=%v)", interval)
	for {
		select {
		case <-ctx.Done():
			logging.TrustDebug("decay loop stopped")
			return nil
		case <-ticker.C:
			r.Trust.DecayAll(ctx, now())
		}
	}
}
