package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gridsight/consentgate/internal/remote"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	// StatusActive subscriptions are renewed by the scheduler.
	StatusActive SubscriptionStatus = "ACTIVE"
	// StatusBroken marks a subscription whose consent lapsed or was
	// revoked; re-subscribing under a new consent reactivates it.
	StatusBroken SubscriptionStatus = "BROKEN"
	// StatusCanceled is terminal for the scheduler; only an explicit
	// re-subscribe revives the row.
	StatusCanceled SubscriptionStatus = "CANCELED"
)

// Subscription is the durable intent to keep a data series flowing for a
// user and usage point. One row per (user, usage point, series).
type Subscription struct {
	ID               snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID           string             `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_subscriptions_triple,priority:1"`
	UsagePointID     string             `json:"usage_point_id" gorm:"type:text;not null;uniqueIndex:ux_subscriptions_triple,priority:2"`
	SeriesName       string             `json:"series_name" gorm:"type:text;not null;uniqueIndex:ux_subscriptions_triple,priority:3"`
	SubscribedAt     time.Time          `json:"subscribed_at" gorm:"not null"`
	NotifiedAt       *time.Time         `json:"notified_at,omitempty"`
	ConsentID        snowflake.ID       `json:"consent_id" gorm:"not null"`
	ConsentBeginsAt  time.Time          `json:"consent_begins_at" gorm:"not null"`
	ConsentExpiresAt time.Time          `json:"consent_expires_at" gorm:"not null"`
	Status           SubscriptionStatus `json:"status" gorm:"type:text;not null;default:ACTIVE"`

	RenewAttempts      int        `json:"renew_attempts" gorm:"not null;default:0"`
	LastRenewError     *string    `json:"last_renew_error,omitempty" gorm:"type:text"`
	LastRenewAttemptAt *time.Time `json:"last_renew_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// WebserviceCallSubscription is one remote subscription created by a ledger
// call. At most one non-superseded row backs a subscription at a time.
type WebserviceCallSubscription struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	WebserviceCallID snowflake.ID    `json:"webservice_call_id" gorm:"not null"`
	CallType         remote.CallType `json:"call_type" gorm:"type:text;not null"`
	ExpiresAt        time.Time       `json:"expires_at" gorm:"not null"`
	CallID           *int64          `json:"call_id,omitempty"`
	SupersededAt     *time.Time      `json:"superseded_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebserviceCallSubscription) TableName() string { return "webservice_call_subscriptions" }

// SubscriptionCall links a subscription to one of its backing calls,
// preserving the full chain across renewals.
type SubscriptionCall struct {
	SubscriptionID               snowflake.ID `json:"subscription_id" gorm:"primaryKey"`
	WebserviceCallSubscriptionID snowflake.ID `json:"webservice_call_subscription_id" gorm:"primaryKey"`
}

// TableName sets the database table name.
func (SubscriptionCall) TableName() string { return "subscriptions_calls" }

// ExpiringSubscription is a renewal candidate with its effective expiry:
// the backing call expiry capped by the consent snapshot, or the snapshot
// alone when no live backing call exists.
type ExpiringSubscription struct {
	Subscription
	BackingCallSubscriptionID *snowflake.ID `json:"backing_call_subscription_id,omitempty"`
	BackingExpiresAt          *time.Time    `json:"backing_expires_at,omitempty"`
	BackingCalledAt           *time.Time    `json:"backing_called_at,omitempty"`
	EffectiveExpiry           time.Time     `json:"effective_expiry" gorm:"-"`
}

// DeriveEffectiveExpiry fills EffectiveExpiry from the scanned columns.
// Computed in Go rather than selected as a SQL expression: sqlite hands
// expression columns back untyped, so they cannot scan into time.Time.
func (e *ExpiringSubscription) DeriveEffectiveExpiry() {
	e.EffectiveExpiry = e.ConsentExpiresAt
	if e.BackingExpiresAt != nil && e.BackingExpiresAt.Before(e.ConsentExpiresAt) {
		e.EffectiveExpiry = *e.BackingExpiresAt
	}
}
