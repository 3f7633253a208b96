package scheduler

import (
	"context"
	"time"

	"gorm.io/gorm"

	obsmetrics "github.com/gridsight/consentgate/internal/observability/metrics"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
)

// FetchExpiringForRenewal claims a batch of renewal candidates under a
// short-lived transaction so concurrent scheduler replicas skip each
// other's rows.
func (s *Scheduler) FetchExpiringForRenewal(ctx context.Context, cutoff time.Time, limit int) ([]subscriptiondomain.ExpiringSubscription, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var subs []subscriptiondomain.ExpiringSubscription
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		subs, err = s.fetchExpiringForRenewal(claimCtx, tx, cutoff, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Scheduler) fetchExpiringForRenewal(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]subscriptiondomain.ExpiringSubscription, error) {
	if limit <= 0 {
		limit = s.cfg.MaxRenewBatchSize
	}
	var subs []subscriptiondomain.ExpiringSubscription
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()

	// Locks only the subscription rows; the outer-joined backing call rows
	// cannot take FOR UPDATE on their nullable side. The effective expiry is
	// derived in Go after the scan, same as the repository query.
	err := tx.WithContext(ctx).Raw(
		`SELECT s.*,
		        wcs.id AS backing_call_subscription_id,
		        wcs.expires_at AS backing_expires_at,
		        wc.called_at AS backing_called_at
		 FROM subscriptions s
		 LEFT JOIN subscriptions_calls sc ON sc.subscription_id = s.id
		 LEFT JOIN webservice_call_subscriptions wcs
		   ON wcs.id = sc.webservice_call_subscription_id AND wcs.superseded_at IS NULL
		 LEFT JOIN webservice_calls wc ON wc.id = wcs.webservice_call_id
		 WHERE s.status = 'ACTIVE'
		   AND (wcs.id IS NOT NULL OR sc.webservice_call_subscription_id IS NULL)
		   AND CASE
		         WHEN wcs.expires_at IS NOT NULL AND wcs.expires_at < s.consent_expires_at
		         THEN wcs.expires_at
		         ELSE s.consent_expires_at
		       END < ?
		 ORDER BY CASE
		            WHEN wcs.expires_at IS NOT NULL AND wcs.expires_at < s.consent_expires_at
		            THEN wcs.expires_at
		            ELSE s.consent_expires_at
		          END ASC, s.id ASC
		 LIMIT ?
		 FOR UPDATE OF s SKIP LOCKED`,
		cutoff,
		limit,
	).Scan(&subs).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsForRenewal, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].DeriveEffectiveExpiry()
	}
	return subs, nil
}
