package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gridsight/consentgate/internal/clock"
	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	GenID       *snowflake.Node
	Repo        consentdomain.Repository
	UsagePoints usagepointdomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	repo        consentdomain.Repository
	usagePoints usagepointdomain.Service
}

func New(p Params) consentdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("consent.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		repo:        p.Repo,
		usagePoints: p.UsagePoints,
	}
}

func (s *Service) Create(ctx context.Context, req consentdomain.CreateRequest) (*consentdomain.Response, error) {
	issuerName := strings.TrimSpace(req.IssuerName)
	if issuerName == "" || !req.IssuerType.Valid() {
		return nil, consentdomain.ErrInvalidIssuer
	}
	if req.BeginsAt.IsZero() || req.ExpiresAt.IsZero() || !req.BeginsAt.Before(req.ExpiresAt) {
		return nil, consentdomain.ErrInvalidWindow
	}
	if len(req.UsagePoints) == 0 {
		return nil, consentdomain.ErrNoUsagePoints
	}
	users := make([]string, 0, len(req.Users))
	for _, u := range req.Users {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, consentdomain.ErrInvalidUser
		}
		users = append(users, u)
	}
	if len(users) == 0 {
		return nil, consentdomain.ErrInvalidUser
	}

	// Usage points are auto-registered outside the transaction; the rows
	// are independent of consent lifecycle.
	for _, grant := range req.UsagePoints {
		if _, err := s.usagePoints.Register(ctx, usagepointdomain.RegisterRequest{
			ID:           grant.ID,
			Segment:      grant.Segment,
			ServiceLevel: grant.ServiceLevel,
		}); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	consent := &consentdomain.Consent{
		ID:         s.genID.Generate(),
		IssuerName: issuerName,
		IssuerType: req.IssuerType,
		BeginsAt:   req.BeginsAt.UTC(),
		ExpiresAt:  req.ExpiresAt.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, consent); err != nil {
			return err
		}
		for _, userID := range users {
			if err := s.repo.EnsureUser(ctx, tx, &consentdomain.User{ID: userID, CreatedAt: now}); err != nil {
				return err
			}
			if err := s.repo.InsertUserLink(ctx, tx, &consentdomain.ConsentUser{
				ConsentID: consent.ID,
				UserID:    userID,
			}); err != nil {
				return err
			}
		}
		for _, grant := range req.UsagePoints {
			if err := s.repo.InsertUsagePointLink(ctx, tx, &consentdomain.ConsentUsagePoint{
				ConsentID:    consent.ID,
				UsagePointID: strings.TrimSpace(grant.ID),
				Comment:      strings.TrimSpace(grant.Comment),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("consent created",
		zap.String("consent_id", consent.ID.String()),
		zap.Time("begins_at", consent.BeginsAt),
		zap.Time("expires_at", consent.ExpiresAt),
		zap.Int("users", len(users)),
		zap.Int("usage_points", len(req.UsagePoints)),
	)

	return s.toResponse(ctx, consent)
}

// ActiveConsent evaluates the gate in three ordered steps so the error
// reports why no consent applies: none registered, not valid yet, or no
// longer valid.
func (s *Service) ActiveConsent(ctx context.Context, userID, usagePointID string, at time.Time) (*consentdomain.Consent, error) {
	userID = strings.TrimSpace(userID)
	usagePointID = strings.TrimSpace(usagePointID)
	if userID == "" {
		return nil, consentdomain.ErrInvalidUser
	}
	if err := usagepointdomain.ValidateID(usagePointID); err != nil {
		return nil, err
	}
	at = at.UTC()

	consent, err := s.repo.FindCovering(ctx, s.db, userID, usagePointID, at)
	if err != nil {
		return nil, err
	}
	if consent != nil {
		return consent, nil
	}

	linked, err := s.repo.CountLinked(ctx, s.db, userID, usagePointID)
	if err != nil {
		return nil, err
	}
	if linked == 0 {
		return nil, fmt.Errorf("%w: no consent registered for %s", consentdomain.ErrNoActiveConsent, usagePointID)
	}

	begun, err := s.repo.CountBegun(ctx, s.db, userID, usagePointID, at)
	if err != nil {
		return nil, err
	}
	if begun == 0 {
		return nil, fmt.Errorf("%w: consent registered for %s is not valid yet", consentdomain.ErrNoActiveConsent, usagePointID)
	}
	return nil, fmt.Errorf("%w: consent registered for %s is no longer valid", consentdomain.ErrNoActiveConsent, usagePointID)
}

func (s *Service) Revoke(ctx context.Context, consentID snowflake.ID, newExpiresAt time.Time) error {
	consent, err := s.repo.FindByID(ctx, s.db, consentID)
	if err != nil {
		return err
	}
	if consent == nil {
		return consentdomain.ErrNotFound
	}

	newExpiresAt = newExpiresAt.UTC()
	if !consent.BeginsAt.Before(newExpiresAt) || !newExpiresAt.Before(consent.ExpiresAt) {
		return consentdomain.ErrInvalidRevocation
	}

	now := s.clock.Now()
	var calls, subs, backing, broken int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateExpiry(ctx, tx, consentID, newExpiresAt, now); err != nil {
			return err
		}
		if calls, err = s.repo.TightenCallSnapshots(ctx, tx, consentID, newExpiresAt); err != nil {
			return err
		}
		if subs, err = s.repo.TightenSubscriptionSnapshots(ctx, tx, consentID, newExpiresAt); err != nil {
			return err
		}
		if backing, err = s.repo.TightenBackingCallExpiries(ctx, tx, consentID, newExpiresAt); err != nil {
			return err
		}
		if broken, err = s.repo.BreakSubscriptionsOutsideWindow(ctx, tx, consentID, newExpiresAt, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("consent revoked",
		zap.String("consent_id", consentID.String()),
		zap.Time("new_expires_at", newExpiresAt),
		zap.Int64("calls_tightened", calls),
		zap.Int64("subscriptions_tightened", subs),
		zap.Int64("backing_calls_tightened", backing),
		zap.Int64("subscriptions_broken", broken),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, consentID snowflake.ID) (*consentdomain.Response, error) {
	consent, err := s.repo.FindByID(ctx, s.db, consentID)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		return nil, consentdomain.ErrNotFound
	}
	return s.toResponse(ctx, consent)
}

func (s *Service) List(ctx context.Context) ([]consentdomain.Response, error) {
	consents, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make([]consentdomain.Response, 0, len(consents))
	for i := range consents {
		resp, err := s.toResponse(ctx, &consents[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)
	}
	return out, nil
}

func (s *Service) RegisterUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return consentdomain.ErrInvalidUser
	}
	return s.repo.EnsureUser(ctx, s.db, &consentdomain.User{ID: userID, CreatedAt: s.clock.Now()})
}

func (s *Service) toResponse(ctx context.Context, c *consentdomain.Consent) (*consentdomain.Response, error) {
	users, err := s.repo.UserIDs(ctx, s.db, c.ID)
	if err != nil {
		return nil, err
	}
	usagePoints, err := s.repo.UsagePointIDs(ctx, s.db, c.ID)
	if err != nil {
		return nil, err
	}
	return &consentdomain.Response{
		ID:          c.ID.String(),
		IssuerName:  c.IssuerName,
		IssuerType:  c.IssuerType,
		BeginsAt:    c.BeginsAt,
		ExpiresAt:   c.ExpiresAt,
		Users:       users,
		UsagePoints: usagePoints,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}, nil
}
