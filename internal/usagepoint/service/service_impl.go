package service

import (
	"context"
	"strings"

	"github.com/gridsight/consentgate/internal/clock"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  usagepointdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  usagepointdomain.Repository
}

func New(p Params) usagepointdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usagepoint.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Register(ctx context.Context, req usagepointdomain.RegisterRequest) (*usagepointdomain.Response, error) {
	id := strings.TrimSpace(req.ID)
	if err := usagepointdomain.ValidateID(id); err != nil {
		return nil, err
	}
	if !req.Segment.Valid() {
		return nil, usagepointdomain.ErrInvalidSegment
	}

	serviceLevel := 1
	if req.ServiceLevel != nil {
		serviceLevel = *req.ServiceLevel
	}

	now := s.clock.Now()

	existing, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		up := &usagepointdomain.UsagePoint{
			ID:           id,
			Segment:      req.Segment,
			ServiceLevel: serviceLevel,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repo.Insert(ctx, s.db, up); err != nil {
			return nil, err
		}
		s.log.Info("usage point registered",
			zap.String("usage_point_id", id),
			zap.String("segment", string(req.Segment)),
		)
		return toResponse(up), nil
	}

	if existing.Segment == req.Segment && existing.ServiceLevel == serviceLevel {
		return toResponse(existing), nil
	}

	existing.Segment = req.Segment
	existing.ServiceLevel = serviceLevel
	existing.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, existing); err != nil {
		return nil, err
	}
	return toResponse(existing), nil
}

func (s *Service) Get(ctx context.Context, id string) (*usagepointdomain.Response, error) {
	id = strings.TrimSpace(id)
	if err := usagepointdomain.ValidateID(id); err != nil {
		return nil, err
	}

	up, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if up == nil {
		return nil, usagepointdomain.ErrNotFound
	}
	return toResponse(up), nil
}

func (s *Service) List(ctx context.Context) ([]usagepointdomain.Response, error) {
	ups, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make([]usagepointdomain.Response, 0, len(ups))
	for i := range ups {
		out = append(out, *toResponse(&ups[i]))
	}
	return out, nil
}

func toResponse(up *usagepointdomain.UsagePoint) *usagepointdomain.Response {
	return &usagepointdomain.Response{
		ID:           up.ID,
		Segment:      up.Segment,
		ServiceLevel: up.ServiceLevel,
		CreatedAt:    up.CreatedAt,
		UpdatedAt:    up.UpdatedAt,
	}
}
