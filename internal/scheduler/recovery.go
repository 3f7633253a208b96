package scheduler

import (
	"context"

	"go.uber.org/zap"

	obsmetrics "github.com/gridsight/consentgate/internal/observability/metrics"
)

// RecoverPendingJob finalizes pending calls older than the liveness
// threshold. A crashed worker leaves its pending row behind; reclaiming it
// FAILED releases the in-flight lock so the next renewal pass can retry.
func (s *Scheduler) RecoverPendingJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "recover_pending", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	policy := s.policy.Get()
	now := s.clock.Now()
	cutoff := now.Add(-policy.PendingLiveness)

	reclaimed, err := s.ledgerSvc.FinalizeStalePending(ctx, cutoff)
	if err != nil {
		obsmetrics.Scheduler().IncRenewalError(obsmetrics.RecoveryStagePending, err)
		s.logSchedulerError(ctx, run, "scheduler.recovery.failed", "recover_pending", "", err)
		return err
	}
	if reclaimed > 0 {
		run.AddProcessed(int(reclaimed))
		obsmetrics.Scheduler().AddBatchProcessed("recover_pending", "calls", int(reclaimed))
		s.logger(ctx).Info("stale pending calls reclaimed",
			zap.Int64("count", reclaimed),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
