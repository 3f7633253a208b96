package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, consent *Consent) error
	InsertUserLink(ctx context.Context, db *gorm.DB, link *ConsentUser) error
	InsertUsagePointLink(ctx context.Context, db *gorm.DB, link *ConsentUsagePoint) error
	EnsureUser(ctx context.Context, db *gorm.DB, user *User) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Consent, error)
	List(ctx context.Context, db *gorm.DB) ([]Consent, error)
	UserIDs(ctx context.Context, db *gorm.DB, consentID snowflake.ID) ([]string, error)
	UsagePointIDs(ctx context.Context, db *gorm.DB, consentID snowflake.ID) ([]string, error)

	// CountLinked counts consents linked to both the user and the usage
	// point, regardless of window.
	CountLinked(ctx context.Context, db *gorm.DB, userID, usagePointID string) (int64, error)
	// CountBegun counts linked consents whose window has begun at the
	// given instant.
	CountBegun(ctx context.Context, db *gorm.DB, userID, usagePointID string, at time.Time) (int64, error)
	// FindCovering returns the linked consent covering the instant,
	// preferring the latest begins_at then the highest id, or nil.
	FindCovering(ctx context.Context, db *gorm.DB, userID, usagePointID string, at time.Time) (*Consent, error)

	// Revocation propagation. All run inside the revocation transaction.
	UpdateExpiry(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt, updatedAt time.Time) error
	TightenCallSnapshots(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt time.Time) (int64, error)
	TightenSubscriptionSnapshots(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt time.Time) (int64, error)
	TightenBackingCallExpiries(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt time.Time) (int64, error)
	BreakSubscriptionsOutsideWindow(ctx context.Context, db *gorm.DB, id snowflake.ID, newExpiresAt, updatedAt time.Time) (int64, error)
}
