package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gridsight/consentgate/internal/clock"
	"github.com/gridsight/consentgate/internal/remote"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
	Repo  subscriptiondomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
	repo  subscriptiondomain.Repository
}

func New(p Params) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Upsert(ctx context.Context, req subscriptiondomain.UpsertRequest) (*subscriptiondomain.Subscription, error) {
	userID := strings.TrimSpace(req.UserID)
	usagePointID := strings.TrimSpace(req.UsagePointID)
	series := strings.TrimSpace(req.SeriesName)
	if userID == "" || usagePointID == "" {
		return nil, subscriptiondomain.ErrNotFound
	}
	if series == "" {
		return nil, subscriptiondomain.ErrInvalidSeries
	}
	if _, err := remote.CallTypeForSeries(series); err != nil {
		return nil, fmt.Errorf("%w: %s", subscriptiondomain.ErrInvalidSeries, err)
	}
	if req.Consent == nil {
		return nil, subscriptiondomain.ErrOutOfConsentWindow
	}

	subscribedAt := req.SubscribedAt
	if subscribedAt.IsZero() {
		subscribedAt = s.clock.Now()
	}
	subscribedAt = subscribedAt.UTC()
	if !req.Consent.Covers(subscribedAt) {
		return nil, subscriptiondomain.ErrOutOfConsentWindow
	}

	now := s.clock.Now()

	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByTriple(ctx, tx, userID, usagePointID, series)
		if err != nil {
			return err
		}

		if existing == nil {
			sub := &subscriptiondomain.Subscription{
				ID:               s.genID.Generate(),
				UserID:           userID,
				UsagePointID:     usagePointID,
				SeriesName:       series,
				SubscribedAt:     subscribedAt,
				ConsentID:        req.Consent.ID,
				ConsentBeginsAt:  req.Consent.BeginsAt,
				ConsentExpiresAt: req.Consent.ExpiresAt,
				Status:           subscriptiondomain.StatusActive,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.repo.Insert(ctx, tx, sub); err != nil {
				return err
			}
			out = sub
			return nil
		}

		// Re-subscribe refreshes the row in place. A notified_at outside
		// the new window is dropped rather than violating containment.
		existing.SubscribedAt = subscribedAt
		existing.ConsentID = req.Consent.ID
		existing.ConsentBeginsAt = req.Consent.BeginsAt
		existing.ConsentExpiresAt = req.Consent.ExpiresAt
		existing.Status = subscriptiondomain.StatusActive
		existing.RenewAttempts = 0
		existing.LastRenewError = nil
		existing.LastRenewAttemptAt = nil
		if existing.NotifiedAt != nil && !req.Consent.Covers(*existing.NotifiedAt) {
			existing.NotifiedAt = nil
		}
		existing.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, existing); err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription upserted",
		zap.String("subscription_id", out.ID.String()),
		zap.String("user_id", out.UserID),
		zap.String("usage_point_id", out.UsagePointID),
		zap.String("series_name", out.SeriesName),
	)
	return out, nil
}

func (s *Service) RecordBackingCall(ctx context.Context, subscriptionID snowflake.ID, req subscriptiondomain.BackingCallRequest) (*subscriptiondomain.WebserviceCallSubscription, error) {
	if !req.CallType.Valid() {
		return nil, fmt.Errorf("%w: call type %q", subscriptiondomain.ErrInvalidSeries, req.CallType)
	}

	now := s.clock.Now()

	var out *subscriptiondomain.WebserviceCallSubscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrNotFound
		}
		// Cancellation wins over an in-flight renewal: a backing call
		// arriving for a CANCELED or BROKEN row must not come back live.
		if sub.Status != subscriptiondomain.StatusActive {
			return subscriptiondomain.ErrNotActive
		}
		if req.ExpiresAt.After(sub.ConsentExpiresAt) {
			return fmt.Errorf("%w: backing call expiry past consent snapshot", subscriptiondomain.ErrOutOfConsentWindow)
		}

		current, currentCalledAt, err := s.repo.FindCurrentBackingCall(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if current != nil {
			if currentCalledAt != nil && !req.CalledAt.After(*currentCalledAt) {
				return subscriptiondomain.ErrStaleBackingCall
			}
			if err := s.repo.Supersede(ctx, tx, current.ID, now); err != nil {
				return err
			}
		}

		callSub := &subscriptiondomain.WebserviceCallSubscription{
			ID:               s.genID.Generate(),
			WebserviceCallID: req.WebserviceCallID,
			CallType:         req.CallType,
			ExpiresAt:        req.ExpiresAt.UTC(),
			CallID:           req.CallID,
			CreatedAt:        now,
		}
		if err := s.repo.InsertBackingCall(ctx, tx, callSub); err != nil {
			return err
		}
		if err := s.repo.InsertLink(ctx, tx, &subscriptiondomain.SubscriptionCall{
			SubscriptionID:               subscriptionID,
			WebserviceCallSubscriptionID: callSub.ID,
		}); err != nil {
			return err
		}
		out = callSub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) MarkNotified(ctx context.Context, subscriptionID snowflake.ID, at time.Time) error {
	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrNotFound
	}

	at = at.UTC()
	if at.Before(sub.ConsentBeginsAt) || !at.Before(sub.ConsentExpiresAt) {
		return subscriptiondomain.ErrOutOfConsentWindow
	}
	return s.repo.SetNotifiedAt(ctx, s.db, subscriptionID, at)
}

// FindExpiring applies only the upper bound, deliberately wider than a
// [before, before+within) range: a subscription whose effective expiry
// already lapsed still needs the scheduler to renew it or break it, never
// to forget it.
func (s *Service) FindExpiring(ctx context.Context, before time.Time, within time.Duration) ([]subscriptiondomain.ExpiringSubscription, error) {
	cutoff := before.UTC().Add(within)
	return s.repo.FindExpiring(ctx, s.db, cutoff)
}

func (s *Service) Cancel(ctx context.Context, subscriptionID snowflake.ID, unsubscribe subscriptiondomain.UnsubscribeFunc) error {
	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrNotFound
	}

	backing, _, err := s.repo.FindCurrentBackingCall(ctx, s.db, subscriptionID)
	if err != nil {
		return err
	}

	// Remote unsubscribe is best effort. The subscription ends CANCELED
	// either way so the scheduler stops renewing it.
	if unsubscribe != nil && backing != nil {
		if err := unsubscribe(ctx, sub, backing); err != nil {
			s.log.Warn("remote unsubscribe failed",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Error(err),
			)
		}
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if backing != nil {
			if err := s.repo.Supersede(ctx, tx, backing.ID, now); err != nil {
				return err
			}
		}
		return s.repo.SetStatus(ctx, tx, subscriptionID, subscriptiondomain.StatusCanceled, now)
	})
}

func (s *Service) MarkBroken(ctx context.Context, subscriptionID snowflake.ID, reason string) error {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrNotFound
		}
		if err := s.repo.SetStatus(ctx, tx, subscriptionID, subscriptiondomain.StatusBroken, now); err != nil {
			return err
		}
		return s.repo.RecordRenewalFailure(ctx, tx, subscriptionID, now, reason)
	})
	if err != nil {
		return err
	}

	s.log.Warn("subscription broken",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) RecordRenewalFailure(ctx context.Context, subscriptionID snowflake.ID, at time.Time, cause error) error {
	message := "renewal failed"
	if cause != nil {
		message = cause.Error()
		if len(message) > 512 {
			message = message[:512]
		}
	}
	return s.repo.RecordRenewalFailure(ctx, s.db, subscriptionID, at.UTC(), message)
}

func (s *Service) RecordRenewalSuccess(ctx context.Context, subscriptionID snowflake.ID, at time.Time) error {
	return s.repo.ClearRenewalBookkeeping(ctx, s.db, subscriptionID, at.UTC())
}

func (s *Service) Get(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrNotFound
	}
	return sub, nil
}

func (s *Service) List(ctx context.Context, filter subscriptiondomain.ListFilter) ([]subscriptiondomain.Subscription, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) CurrentBackingCall(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.WebserviceCallSubscription, error) {
	backing, _, err := s.repo.FindCurrentBackingCall(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	return backing, nil
}
