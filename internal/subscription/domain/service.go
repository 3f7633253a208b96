package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	"github.com/gridsight/consentgate/internal/remote"
)

type Service interface {
	// Upsert creates the subscription or refreshes the existing row for
	// the same (user, usage point, series) triple. A CANCELED or BROKEN
	// row is reactivated with the new consent snapshot.
	Upsert(ctx context.Context, req UpsertRequest) (*Subscription, error)
	// RecordBackingCall inserts the new backing call and its link and
	// supersedes the previous current one in a single transaction. A
	// backing call older than the current one is rejected with
	// ErrStaleBackingCall; a subscription no longer ACTIVE rejects with
	// ErrNotActive, so a renewal finishing after a cancel cannot
	// resurrect the chain.
	RecordBackingCall(ctx context.Context, subscriptionID snowflake.ID, req BackingCallRequest) (*WebserviceCallSubscription, error)
	// MarkNotified records the last delivery instant. The instant must
	// lie inside the snapshotted consent window.
	MarkNotified(ctx context.Context, subscriptionID snowflake.ID, at time.Time) error
	// FindExpiring returns active subscriptions whose effective expiry
	// falls before before+within, including subscriptions with no live
	// backing call. No lower bound is applied: already-lapsed
	// subscriptions stay in the result so they get renewed or broken
	// rather than silently ignored.
	FindExpiring(ctx context.Context, before time.Time, within time.Duration) ([]ExpiringSubscription, error)
	// Cancel runs the best-effort remote unsubscribe and then marks the
	// subscription CANCELED. An unsubscribe failure is logged, not
	// returned; the local state always ends CANCELED.
	Cancel(ctx context.Context, subscriptionID snowflake.ID, unsubscribe UnsubscribeFunc) error
	// MarkBroken takes the subscription out of the renewal loop until a
	// new consent re-subscribes it.
	MarkBroken(ctx context.Context, subscriptionID snowflake.ID, reason string) error
	// RecordRenewalFailure bumps the attempt counter and remembers the
	// error for backoff spacing.
	RecordRenewalFailure(ctx context.Context, subscriptionID snowflake.ID, at time.Time, cause error) error
	// RecordRenewalSuccess clears the renewal bookkeeping.
	RecordRenewalSuccess(ctx context.Context, subscriptionID snowflake.ID, at time.Time) error

	Get(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	List(ctx context.Context, filter ListFilter) ([]Subscription, error)
	// CurrentBackingCall returns the non-superseded backing call, or nil
	// when none is live.
	CurrentBackingCall(ctx context.Context, subscriptionID snowflake.ID) (*WebserviceCallSubscription, error)
}

// UnsubscribeFunc performs the remote unsubscribe for a backing call,
// normally through the call ledger.
type UnsubscribeFunc func(ctx context.Context, sub *Subscription, backing *WebserviceCallSubscription) error

type UpsertRequest struct {
	UserID       string
	UsagePointID string
	SeriesName   string
	Consent      *consentdomain.Consent
	SubscribedAt time.Time
}

type BackingCallRequest struct {
	WebserviceCallID snowflake.ID
	CalledAt         time.Time
	CallType         remote.CallType
	ExpiresAt        time.Time
	CallID           *int64
}

type ListFilter struct {
	UserID       string
	UsagePointID string
	Status       SubscriptionStatus
	Limit        int
}

var (
	ErrInvalidSeries      = errors.New("invalid_series")
	ErrOutOfConsentWindow = errors.New("out_of_consent_window")
	ErrStaleBackingCall   = errors.New("stale_backing_call")
	ErrNotActive          = errors.New("subscription_not_active")
	ErrNotFound           = errors.New("subscription_not_found")
)

func ParseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(value)
}
