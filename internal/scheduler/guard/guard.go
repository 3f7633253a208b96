package guard

import (
	"errors"
	"time"

	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
)

var (
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrNotYetExpiring        = errors.New("subscription_not_yet_expiring")
	ErrInBackoff             = errors.New("subscription_in_backoff")
)

// EnsureSubscriptionCanRenew keeps the scheduler from touching rows that
// left the renewal loop between claim and processing.
func EnsureSubscriptionCanRenew(status subscriptiondomain.SubscriptionStatus) error {
	if status != subscriptiondomain.StatusActive {
		return ErrSubscriptionNotActive
	}
	return nil
}

// EnsureExpiryInsideMargin verifies the effective expiry actually falls
// inside the safety margin at processing time.
func EnsureExpiryInsideMargin(effectiveExpiry, now time.Time, margin time.Duration) error {
	if !effectiveExpiry.Before(now.Add(margin)) {
		return ErrNotYetExpiring
	}
	return nil
}

// EnsureOutsideBackoff enforces the spacing between renewal attempts after
// consecutive failures.
func EnsureOutsideBackoff(lastAttempt *time.Time, spacing time.Duration, now time.Time) error {
	if lastAttempt == nil || spacing <= 0 {
		return nil
	}
	if now.Before(lastAttempt.Add(spacing)) {
		return ErrInBackoff
	}
	return nil
}
