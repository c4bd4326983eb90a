package evaluator

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// BenchResult summarizes one Bench call: how many validate iterations ran,
// their total wall-clock time, and the mean time per iteration.
type BenchResult struct {
	Iterations int
	Total      time.Duration
	Mean       time.Duration
}

// Bench runs policyID's validate entry point iterations times outside of
// the admission HTTP path, for offline performance testing -- the same
// role kwctl run/kwctl bench serve for a single invocation. It rehydrates
// a fresh Stack per iteration, matching how Evaluate behaves in
// production, rather than reusing one Stack across iterations.
func (e *Environment) Bench(ctx context.Context, policyID string, uid string, fullRequestJSON []byte, iterations int) (BenchResult, error) {
	if iterations <= 0 {
		return BenchResult{}, errors.New("iterations must be positive")
	}

	entry, ok := e.lookupPolicy(policyID)
	if !ok {
		return BenchResult{}, errors.Errorf("policy %q is not registered", policyID)
	}

	start := time.Now()
	for i := 0; i < iterations; i++ {
		if _, err := e.evaluateOne(ctx, policyID, entry, fullRequestJSON, uid); err != nil {
			return BenchResult{}, errors.Wrapf(err, "iteration %d", i)
		}
	}
	total := time.Since(start)

	return BenchResult{
		Iterations: iterations,
		Total:      total,
		Mean:       total / time.Duration(iterations),
	}, nil
}
