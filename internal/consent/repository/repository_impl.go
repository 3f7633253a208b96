package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() consentdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, c *consentdomain.Consent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO consents (id, issuer_name, issuer_type, begins_at, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.IssuerName,
		c.IssuerType,
		c.BeginsAt,
		c.ExpiresAt,
		c.CreatedAt,
		c.UpdatedAt,
	).Error
}

func (r *repo) InsertUserLink(ctx context.Context, db *gorm.DB, link *consentdomain.ConsentUser) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO consents_users (consent_id, user_id) VALUES (?, ?)`,
		link.ConsentID,
		link.UserID,
	).Error
}

func (r *repo) InsertUsagePointLink(ctx context.Context, db *gorm.DB, link *consentdomain.ConsentUsagePoint) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO consents_usage_points (consent_id, usage_point_id, comment) VALUES (?, ?, ?)`,
		link.ConsentID,
		link.UsagePointID,
		link.Comment,
	).Error
}

func (r *repo) EnsureUser(ctx context.Context, db *gorm.DB, user *consentdomain.User) error {
	return db.WithContext(ctx).
		Where(consentdomain.User{ID: user.ID}).
		FirstOrCreate(user).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*consentdomain.Consent, error) {
	var consent consentdomain.Consent
	err := db.WithContext(ctx).Raw(
		`SELECT id, issuer_name, issuer_type, begins_at, expires_at, created_at, updated_at
		 FROM consents WHERE id = ?`,
		id,
	).Scan(&consent).Error
	if err != nil {
		return nil, err
	}
	if consent.ID == 0 {
		return nil, nil
	}
	return &consent, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]consentdomain.Consent, error) {
	var consents []consentdomain.Consent
	err := db.WithContext(ctx).Raw(
		`SELECT id, issuer_name, issuer_type, begins_at, expires_at, created_at, updated_at
		 FROM consents ORDER BY begins_at DESC, id DESC`,
	).Scan(&consents).Error
	if err != nil {
		return nil, err
	}
	return consents, nil
}

func (r *repo) UserIDs(ctx context.Context, db *gorm.DB, consentID snowflake.ID) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT user_id FROM consents_users WHERE consent_id = ? ORDER BY user_id`,
		consentID,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) UsagePointIDs(ctx context.Context, db *gorm.DB, consentID snowflake.ID) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT usage_point_id FROM consents_usage_points WHERE consent_id = ? ORDER BY usage_point_id`,
		consentID,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) CountLinked(ctx context.Context, db *gorm.DB, userID, usagePointID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM consents c
		 JOIN consents_users cu ON cu.consent_id = c.id
		 JOIN consents_usage_points cup ON cup.consent_id = c.id
		 WHERE cu.user_id = ? AND cup.usage_point_id = ?`,
		userID,
		usagePointID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountBegun(ctx context.Context, db *gorm.DB, userID, usagePointID string, at time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM consents c
		 JOIN consents_users cu ON cu.consent_id = c.id
		 JOIN consents_usage_points cup ON cup.consent_id = c.id
		 WHERE cu.user_id = ? AND cup.usage_point_id = ? AND c.begins_at <= ?`,
		userID,
		usagePointID,
		at,
	).Scan(&count).Error
	return count, err
}

func (r *repo) FindCovering(ctx context.Context, db *gorm.DB, userID, usagePointID string, at time.Time) (*consentdomain.Consent, error) {
	var consent consentdomain.Consent
	err := db.WithContext(ctx).Raw(
		`SELECT c.id, c.issuer_name, c.issuer_type, c.begins_at, c.expires_at, c.created_at, c.updated_at
		 FROM consents c
		 JOIN consents_users cu ON cu.consent_id = c.id
		 JOIN consents_usage_points cup ON cup.consent_id = c.id
		 WHERE cu.user_id = ? AND cup.usage_point_id = ?
		   AND c.begins_at <= ? AND ? < c.expires_at
		 ORDER BY c.begins_at DESC, c.id DESC
		 LIMIT 1`,
		userID,
		usagePointID,
		at,
		at,
	).Scan(&consent).Error
	if err != nil {
		return nil, err
	}
	if consent.ID == 0 {
		return nil, nil
	}
	return &consent, nil
}

func (r *repo) UpdateExpiry(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE consents SET expires_at = ?, updated_at = ? WHERE id = ?`,
		newExpiresAt,
		updatedAt,
		id,
	).Error
}

func (r *repo) TightenCallSnapshots(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webservice_calls SET consent_expires_at = ?
		 WHERE consent_id = ? AND consent_expires_at > ?`,
		newExpiresAt,
		id,
		newExpiresAt,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) TightenSubscriptionSnapshots(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET consent_expires_at = ?
		 WHERE consent_id = ? AND consent_expires_at > ?`,
		newExpiresAt,
		id,
		newExpiresAt,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) TightenBackingCallExpiries(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webservice_call_subscriptions SET expires_at = ?
		 WHERE expires_at > ? AND webservice_call_id IN (
		   SELECT id FROM webservice_calls WHERE consent_id = ?
		 )`,
		newExpiresAt,
		newExpiresAt,
		id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) BreakSubscriptionsOutsideWindow(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt, updatedAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = 'BROKEN', updated_at = ?
		 WHERE consent_id = ? AND status = 'ACTIVE' AND subscribed_at >= ?`,
		updatedAt,
		id,
		newExpiresAt,
	)
	return result.RowsAffected, result.Error
}
