package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
)

// shouldRetry returns the retry predicate for a failure policy. FAIL_FAST
// and PARTIAL_SUCCESS retry transient failures and timeouts only;
// RETRY_CONTINUE retries everything except configuration and transaction
// errors.
func shouldRetry(policy model.FailurePolicy) func(error) bool {
	if policy == model.RetryContinue {
		return func(err error) bool {
			var cfe *resilience.ConfigurationError
			var txe *resilience.TransactionError
			return !errors.As(err, &cfe) && !errors.As(err, &txe) && !errors.Is(err, context.Canceled)
		}
	}
	return func(err error) bool {
		return resilience.Classify(err) == model.OutcomeRetryable
	}
}

// flow tells the orchestrator what to do after a phase.
type flow int

const (
	flowNext  flow = iota // run the next phase
	flowStop              // nothing left to do; the run ends cleanly
	flowAbort             // the run has failed
)

// essential phases cannot be skipped past: without their output the rest of
// the run has nothing to work on.
var essential = map[model.Phase]bool{
	model.PhaseExtract:   true,
	model.PhaseTransform: true,
	model.PhaseMerge:     true,
	model.PhaseLoad:      true,
}

// escalate applies the failure policy to a phase outcome.
func escalate(rc *RunContext, p model.Phase, out model.Outcome) flow {
	if out == model.OutcomeSuccess {
		return flowNext
	}
	if rc.Policy == model.FailFast || essential[p] {
		return flowAbort
	}
	rc.markPartial()
	return flowNext
}

// phaseOpts tunes how runPhase treats one phase.
type phaseOpts struct {
	// noRetry runs a single attempt.
	noRetry bool
	// perSource runs fn once under the run context; fn applies the phase
	// timeout and retry budget to each source itself.
	perSource bool
	// wrap converts the final error before it is recorded.
	wrap func(error) error
	// after checks the result once an attempt succeeded. Its error fails
	// the phase without a retry.
	after func() error
}

// runPhase executes fn under the phase's timeout and retry budget, records
// the timing and returns the phase outcome. Each attempt gets its own
// timeout, so a timed-out attempt cancels only that attempt's work.
func (o *Orchestrator) runPhase(ctx context.Context, rc *RunContext, p model.Phase, opts phaseOpts, fn func(ctx context.Context) error) model.Outcome {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", rc.Run.ID), zap.String("phase", string(p)))

	pc := rc.Config.Phase(p)
	retry := pc.Retry()
	retry.ShouldRetry = shouldRetry(rc.Policy)
	retry.OnRetry = resilience.RetryLogger("pipeline", string(p))
	timeout := pc.Timeout()
	if opts.noRetry {
		retry.MaxAttempts = 1
	}
	if opts.perSource {
		retry.MaxAttempts = 1
		timeout = 0
	}

	start := o.now()
	attempts := 0
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		attempts++
		if timeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(actx)
	})
	if err == nil && opts.after != nil {
		err = opts.after()
	}
	if err != nil && opts.wrap != nil {
		err = opts.wrap(err)
	}
	elapsed := o.now().Sub(start)

	timing := model.PhaseTiming{
		Phase:      p,
		Status:     model.PhaseComplete,
		StartedAt:  start,
		DurationMs: elapsed.Milliseconds(),
		Attempts:   attempts,
		Metadata:   rc.meta(p),
	}
	out := resilience.Classify(err)
	if err != nil {
		timing.Status = model.PhaseFailed
		if errors.Is(err, context.DeadlineExceeded) {
			timing.Status = model.PhaseTimedOut
		}
		timing.Error = err.Error()
		rc.addError(model.RunError{Phase: p, Outcome: out, Message: err.Error()})
		log.Error("pipeline: phase failed",
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.String("outcome", string(out)),
			zap.Error(err),
		)
	} else {
		log.Info("pipeline: phase complete",
			zap.Int("attempts", attempts),
			zap.Int64("duration_ms", timing.DurationMs),
		)
	}
	rc.Run.PhaseTimings = append(rc.Run.PhaseTimings, timing)
	o.metrics.Phase(p, timing.Status, elapsed)
	return out
}

// skipRemaining records every phase that has not run as skipped.
func (o *Orchestrator) skipRemaining(rc *RunContext) {
	ran := make(map[model.Phase]bool, len(rc.Run.PhaseTimings))
	for _, t := range rc.Run.PhaseTimings {
		ran[t.Phase] = true
	}
	for _, p := range model.Phases() {
		if ran[p] {
			continue
		}
		rc.Run.PhaseTimings = append(rc.Run.PhaseTimings, model.PhaseTiming{
			Phase:     p,
			Status:    model.PhaseSkipped,
			StartedAt: o.now(),
		})
		o.metrics.Phase(p, model.PhaseSkipped, time.Duration(0))
	}
}
