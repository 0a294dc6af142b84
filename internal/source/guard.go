package source

import (
	"context"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
)

// guarded trips a circuit breaker after repeated feed failures so a dead
// feed fails fast across runs.
type guarded struct {
	Adapter
	cb *resilience.CircuitBreaker
}

// Guard wraps a with cb.
func Guard(a Adapter, cb *resilience.CircuitBreaker) Adapter {
	return &guarded{Adapter: a, cb: cb}
}

// GuardAll wraps every adapter with the breaker keyed by its source.
func GuardAll(adapters []Adapter, breakers *resilience.Breakers) []Adapter {
	out := make([]Adapter, len(adapters))
	for i, a := range adapters {
		out[i] = Guard(a, breakers.Get(string(a.Source())))
	}
	return out
}

func (g *guarded) Produce(ctx context.Context, extractionID string) ([]model.StagingRecord, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) ([]model.StagingRecord, error) {
		return g.Adapter.Produce(ctx, extractionID)
	})
}
