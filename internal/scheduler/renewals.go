package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	ledgerdomain "github.com/gridsight/consentgate/internal/ledger/domain"
	obsmetrics "github.com/gridsight/consentgate/internal/observability/metrics"
	"github.com/gridsight/consentgate/internal/remote"
	"github.com/gridsight/consentgate/internal/scheduler/guard"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
)

// RenewalsJob claims subscriptions whose effective expiry falls inside the
// safety margin and renews their backing calls. Broken consent takes the
// subscription out of the loop instead of renewing on a dead window.
func (s *Scheduler) RenewalsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "renewals", s.cfg.MaxRenewBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	policy := s.policy.Get()
	var jobErr error
	schedMetrics := obsmetrics.Scheduler()

	seen := map[int64]bool{}
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		now := s.clock.Now()
		cutoff := now.Add(policy.SafetyMargin)
		subs, err := s.FetchExpiringForRenewal(ctx, cutoff, s.cfg.MaxRenewBatchSize)
		if err != nil {
			schedMetrics.IncRenewalError(obsmetrics.RenewalStageClaim, err)
			s.logSchedulerError(ctx, run, "scheduler.renewal.claim.failed", "renewals", "", err)
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			schedMetrics.IncBatchDeferred("renewals", obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			break
		}

		processed := 0
		progressed := false
		for _, sub := range subs {
			if ctx.Err() != nil {
				jobErr = errors.Join(jobErr, ctx.Err())
				break
			}
			// Deferred rows come back from FetchExpiring every pass; a
			// batch that reclaims only seen rows is done for this run.
			if seen[int64(sub.ID)] {
				continue
			}
			seen[int64(sub.ID)] = true
			progressed = true

			s.logSubscriptionClaimed(ctx, "renewals", sub)
			if err := s.renewOne(ctx, run, sub, now); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
		}

		if processed > 0 {
			schedMetrics.AddBatchProcessed("renewals", "subscriptions", processed)
			run.AddProcessed(processed)
		}
		if !progressed {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) renewOne(ctx context.Context, run *jobRun, sub subscriptiondomain.ExpiringSubscription, now time.Time) error {
	policy := s.policy.Get()
	schedMetrics := obsmetrics.Scheduler()

	if err := guard.EnsureSubscriptionCanRenew(sub.Status); err != nil {
		return nil
	}
	if err := guard.EnsureExpiryInsideMargin(sub.EffectiveExpiry, now, policy.SafetyMargin); err != nil {
		return nil
	}

	// A pending renewal call younger than the liveness threshold is another
	// worker's in-flight lock. This is the cheap pre-check; the lock itself
	// is acquired atomically by the conditional pending insert below.
	livePending, err := s.ledgerSvc.HasLivePending(ctx, sub.ID, now.Add(-policy.PendingLiveness))
	if err != nil {
		schedMetrics.IncRenewalError(obsmetrics.RenewalStageClaim, err)
		s.logSchedulerError(ctx, run, "scheduler.renewal.failed", "renewals", sub.UsagePointID, err,
			zap.String("subscription_id", idString(sub.ID)),
		)
		return err
	}
	if livePending {
		schedMetrics.IncBatchDeferred("renewals", obsmetrics.SchedulerBatchDeferredReasonPendingLock)
		return nil
	}

	spacing := policy.Backoff(sub.RenewAttempts)
	if err := guard.EnsureOutsideBackoff(sub.LastRenewAttemptAt, spacing, now); err != nil {
		schedMetrics.IncBatchDeferred("renewals", obsmetrics.SchedulerBatchDeferredReasonBackoff)
		return nil
	}

	// Consent is re-derived at renewal time, never trusted from the
	// snapshot. A consent that lapsed or was revoked breaks the
	// subscription.
	consent, err := s.consentSvc.ActiveConsent(ctx, sub.UserID, sub.UsagePointID, now)
	if err != nil {
		if errors.Is(err, consentdomain.ErrNoActiveConsent) {
			return s.breakSubscription(ctx, run, sub, err)
		}
		schedMetrics.IncRenewalError(obsmetrics.RenewalStageConsent, err)
		s.logSchedulerError(ctx, run, "scheduler.renewal.failed", "renewals", sub.UsagePointID, err,
			zap.String("subscription_id", idString(sub.ID)),
		)
		return err
	}

	callType, err := remote.CallTypeForSeries(sub.SeriesName)
	if err != nil {
		return s.breakSubscription(ctx, run, sub, err)
	}

	requestedExpiry := consent.ExpiresAt

	var result *remote.SubscribeResult
	subID := sub.ID
	call, err := s.ledgerSvc.Execute(ctx, ledgerdomain.ExecuteRequest{
		Webservice:   "subscribe/" + string(callType),
		UserID:       sub.UserID,
		UsagePointID: sub.UsagePointID,
		At:           now,
		Params: map[string]any{
			"call_type":   string(callType),
			"series_name": sub.SeriesName,
			"expires_at":  requestedExpiry,
			"renewal":     true,
		},
		SubscriptionID: &subID,
		InFlightSince:  now.Add(-policy.PendingLiveness),
	}, func(callCtx context.Context) error {
		var performErr error
		result, performErr = s.caller.Subscribe(callCtx, callType, sub.UsagePointID, requestedExpiry)
		return performErr
	})
	if err != nil {
		// Another replica won the pending lock between the pre-check and
		// the insert; its renewal is in flight, nothing to do here.
		if errors.Is(err, ledgerdomain.ErrRenewalInFlight) {
			schedMetrics.IncBatchDeferred("renewals", obsmetrics.SchedulerBatchDeferredReasonPendingLock)
			return nil
		}
		schedMetrics.IncRenewalError(obsmetrics.RenewalStageCall, err)
		s.recordRenewalFailure(ctx, run, sub, now, err)
		return err
	}

	expiresAt := result.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(consent.ExpiresAt) {
		expiresAt = consent.ExpiresAt
	}

	callID := result.CallID
	if _, err := s.subscriptionSvc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: call.ID,
		CalledAt:         call.CalledAt,
		CallType:         callType,
		ExpiresAt:        expiresAt,
		CallID:           &callID,
	}); err != nil {
		// A stale response losing to a newer renewal is a no-op, not a
		// failure. Same for a subscription canceled or broken while the
		// remote call was in flight: the sweep reports the dangling remote
		// subscription, the local chain stays ended.
		if errors.Is(err, subscriptiondomain.ErrStaleBackingCall) ||
			errors.Is(err, subscriptiondomain.ErrNotActive) {
			return nil
		}
		schedMetrics.IncRenewalError(obsmetrics.RenewalStageRecord, err)
		s.recordRenewalFailure(ctx, run, sub, now, err)
		return err
	}

	if err := s.subscriptionSvc.RecordRenewalSuccess(ctx, sub.ID, now); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.renewal.bookkeeping.failed", "renewals", sub.UsagePointID, err,
			zap.String("subscription_id", idString(sub.ID)),
		)
	}

	s.logger(s.withLogContext(ctx, sub.UsagePointID)).Info("subscription renewed",
		zap.String("subscription_id", idString(sub.ID)),
		zap.String("series_name", sub.SeriesName),
		zap.String("call_type", string(callType)),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

func (s *Scheduler) breakSubscription(ctx context.Context, run *jobRun, sub subscriptiondomain.ExpiringSubscription, cause error) error {
	schedMetrics := obsmetrics.Scheduler()
	reason := fmt.Sprintf("consent check failed: %s", cause)
	if err := s.subscriptionSvc.MarkBroken(ctx, sub.ID, reason); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.renewal.failed", "renewals", sub.UsagePointID, err,
			zap.String("subscription_id", idString(sub.ID)),
		)
		return err
	}
	schedMetrics.IncStatusChange(string(subscriptiondomain.StatusActive), string(subscriptiondomain.StatusBroken))
	s.logger(s.withLogContext(ctx, sub.UsagePointID)).Warn("subscription broken",
		zap.String("subscription_id", idString(sub.ID)),
		zap.String("series_name", sub.SeriesName),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Scheduler) recordRenewalFailure(ctx context.Context, run *jobRun, sub subscriptiondomain.ExpiringSubscription, now time.Time, cause error) {
	policy := s.policy.Get()
	if err := s.subscriptionSvc.RecordRenewalFailure(ctx, sub.ID, now, cause); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.renewal.bookkeeping.failed", "renewals", sub.UsagePointID, err,
			zap.String("subscription_id", idString(sub.ID)),
		)
	}
	s.logSchedulerError(ctx, run, "scheduler.renewal.failed", "renewals", sub.UsagePointID, cause,
		zap.String("subscription_id", idString(sub.ID)),
		zap.Int("renew_attempts", sub.RenewAttempts+1),
	)
	if sub.RenewAttempts+1 >= policy.AlertThreshold {
		s.logger(s.withLogContext(ctx, sub.UsagePointID)).Error("subscription renewal escalation",
			zap.String("subscription_id", idString(sub.ID)),
			zap.String("series_name", sub.SeriesName),
			zap.Int("renew_attempts", sub.RenewAttempts+1),
			zap.Error(cause),
		)
	}
}
