package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET subscribed_at = ?, notified_at = ?, consent_id = ?, consent_begins_at = ?,
		     consent_expires_at = ?, status = ?, renew_attempts = ?, last_renew_error = ?,
		     last_renew_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		sub.SubscribedAt,
		sub.NotifiedAt,
		sub.ConsentID,
		sub.ConsentBeginsAt,
		sub.ConsentExpiresAt,
		sub.Status,
		sub.RenewAttempts,
		sub.LastRenewError,
		sub.LastRenewAttemptAt,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindByTriple(ctx context.Context, db *gorm.DB, userID, usagePointID, seriesName string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions
		 WHERE user_id = ? AND usage_point_id = ? AND series_name = ?`,
		userID,
		usagePointID,
		seriesName,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter subscriptiondomain.ListFilter) ([]subscriptiondomain.Subscription, error) {
	query := db.WithContext(ctx).Table("subscriptions")
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.UsagePointID != "" {
		query = query.Where("usage_point_id = ?", filter.UsagePointID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	var subs []subscriptiondomain.Subscription
	err := query.Order("subscribed_at DESC, id DESC").Limit(limit).Find(&subs).Error
	return subs, err
}

func (r *repo) FindCurrentBackingCall(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*subscriptiondomain.WebserviceCallSubscription, *time.Time, error) {
	var row struct {
		subscriptiondomain.WebserviceCallSubscription
		CalledAt *time.Time
	}
	err := db.WithContext(ctx).Raw(
		`SELECT wcs.id, wcs.webservice_call_id, wcs.call_type, wcs.expires_at,
		        wcs.call_id, wcs.superseded_at, wcs.created_at, wc.called_at AS called_at
		 FROM webservice_call_subscriptions wcs
		 JOIN subscriptions_calls sc ON sc.webservice_call_subscription_id = wcs.id
		 LEFT JOIN webservice_calls wc ON wc.id = wcs.webservice_call_id
		 WHERE sc.subscription_id = ? AND wcs.superseded_at IS NULL
		 ORDER BY wcs.id DESC LIMIT 1`,
		subscriptionID,
	).Scan(&row).Error
	if err != nil {
		return nil, nil, err
	}
	if row.ID == 0 {
		return nil, nil, nil
	}
	callSub := row.WebserviceCallSubscription
	return &callSub, row.CalledAt, nil
}

func (r *repo) InsertBackingCall(ctx context.Context, db *gorm.DB, callSub *subscriptiondomain.WebserviceCallSubscription) error {
	return db.WithContext(ctx).Create(callSub).Error
}

func (r *repo) InsertLink(ctx context.Context, db *gorm.DB, link *subscriptiondomain.SubscriptionCall) error {
	return db.WithContext(ctx).Create(link).Error
}

func (r *repo) Supersede(ctx context.Context, db *gorm.DB, callSubID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webservice_call_subscriptions SET superseded_at = ?
		 WHERE id = ? AND superseded_at IS NULL`,
		at,
		callSubID,
	).Error
}

// FindExpiring keeps to portable SQL. CASE WHEN stands in for LEAST so the
// same query runs on postgres and the sqlite test database; the effective
// expiry itself is derived in Go because the expression column would come
// back untyped from sqlite.
func (r *repo) FindExpiring(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]subscriptiondomain.ExpiringSubscription, error) {
	var rows []subscriptiondomain.ExpiringSubscription
	err := db.WithContext(ctx).Raw(
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
		          END ASC, s.id ASC`,
		cutoff,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].DeriveEffectiveExpiry()
	}
	return rows, nil
}

func (r *repo) SetNotifiedAt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET notified_at = ?, updated_at = ? WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		at,
		id,
	).Error
}

func (r *repo) RecordRenewalFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET renew_attempts = renew_attempts + 1, last_renew_error = ?,
		     last_renew_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		message,
		at,
		at,
		id,
	).Error
}

func (r *repo) ClearRenewalBookkeeping(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET renew_attempts = 0, last_renew_error = NULL,
		     last_renew_attempt_at = NULL, updated_at = ?
		 WHERE id = ?`,
		at,
		id,
	).Error
}
