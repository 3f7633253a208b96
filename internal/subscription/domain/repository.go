package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByTriple(ctx context.Context, db *gorm.DB, userID, usagePointID, seriesName string) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Subscription, error)

	// FindCurrentBackingCall returns the non-superseded backing call for
	// the subscription together with the called_at of the ledger row
	// that created it, or nil when none is live.
	FindCurrentBackingCall(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*WebserviceCallSubscription, *time.Time, error)
	InsertBackingCall(ctx context.Context, db *gorm.DB, callSub *WebserviceCallSubscription) error
	InsertLink(ctx context.Context, db *gorm.DB, link *SubscriptionCall) error
	Supersede(ctx context.Context, db *gorm.DB, callSubID snowflake.ID, at time.Time) error

	// FindExpiring returns ACTIVE subscriptions whose effective expiry,
	// the backing call expiry capped by the consent snapshot or the
	// snapshot alone when no backing call is live, falls before the
	// cutoff.
	FindExpiring(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]ExpiringSubscription, error)

	SetNotifiedAt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status SubscriptionStatus, at time.Time) error
	RecordRenewalFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, message string) error
	ClearRenewalBookkeeping(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}
