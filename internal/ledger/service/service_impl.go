package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gridsight/consentgate/internal/clock"
	"github.com/gridsight/consentgate/internal/config"
	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	ledgerdomain "github.com/gridsight/consentgate/internal/ledger/domain"
	obsmetrics "github.com/gridsight/consentgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Config   config.Config
	Repo     ledgerdomain.Repository
	Consents consentdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	repo     ledgerdomain.Repository
	consents consentdomain.Service
	metrics  *obsmetrics.Metrics
	timeout  time.Duration
}

func New(p Params) ledgerdomain.Service {
	timeout := p.Config.RemoteCallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ledger.service"),
		clock:    p.Clock,
		genID:    p.GenID,
		repo:     p.Repo,
		consents: p.Consents,
		metrics:  p.Metrics,
		timeout:  timeout,
	}
}

func (s *Service) Execute(ctx context.Context, req ledgerdomain.ExecuteRequest, perform ledgerdomain.PerformFunc) (*ledgerdomain.WebserviceCall, error) {
	webservice := strings.TrimSpace(req.Webservice)
	if webservice == "" {
		return nil, ledgerdomain.ErrInvalidWebservice
	}

	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	consent, err := s.consents.ActiveConsent(ctx, req.UserID, req.UsagePointID, at)
	if err != nil {
		s.recordConsentOutcome(ctx, "denied")
		return nil, err
	}
	s.recordConsentOutcome(ctx, "granted")

	params := datatypes.JSON("{}")
	if len(req.Params) > 0 {
		raw, err := json.Marshal(req.Params)
		if err != nil {
			return nil, fmt.Errorf("encode call params: %w", err)
		}
		params = datatypes.JSON(raw)
	}

	now := s.clock.Now()
	call := &ledgerdomain.WebserviceCall{
		ID:               s.genID.Generate(),
		Webservice:       webservice,
		UsagePointID:     strings.TrimSpace(req.UsagePointID),
		UserID:           strings.TrimSpace(req.UserID),
		ConsentID:        consent.ID,
		ConsentBeginsAt:  consent.BeginsAt,
		ConsentExpiresAt: consent.ExpiresAt,
		CalledAt:         at,
		Params:           params,
		SubscriptionID:   req.SubscriptionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// The pending row must be durable before the remote call runs, so it
	// is committed on its own rather than inside a surrounding transaction.
	// For renewals the insert doubles as the in-flight lock acquisition:
	// it is conditional on no live pending call holding the subscription.
	if req.SubscriptionID != nil && !req.InFlightSince.IsZero() {
		inserted, err := s.repo.InsertUnlessPending(ctx, s.db, call, req.InFlightSince.UTC())
		if err != nil {
			return nil, err
		}
		if inserted == 0 {
			return nil, ledgerdomain.ErrRenewalInFlight
		}
	} else if err := s.repo.Insert(ctx, s.db, call); err != nil {
		return nil, err
	}

	callErr := s.perform(ctx, perform)

	if callErr != nil {
		msg := callErr.Error()
		if _, ferr := s.repo.Finalize(ctx, s.db, call.ID, ledgerdomain.CallFailed, &msg, s.clock.Now()); ferr != nil {
			s.log.Error("finalizing failed call",
				zap.String("call_id", call.ID.String()),
				zap.Error(ferr),
			)
		}
		status := ledgerdomain.CallFailed
		call.Status = &status
		call.Error = &msg
		s.recordCall(ctx, webservice, string(ledgerdomain.CallFailed))
		s.log.Warn("webservice call failed",
			zap.String("call_id", call.ID.String()),
			zap.String("webservice", webservice),
			zap.String("usage_point_id", call.UsagePointID),
			zap.Error(callErr),
		)
		return call, fmt.Errorf("%w: %s", ledgerdomain.ErrRemoteCallFailed, msg)
	}

	updated, err := s.repo.Finalize(ctx, s.db, call.ID, ledgerdomain.CallOK, nil, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if updated == 0 {
		// Already finalized by the recovery job; the remote call did run,
		// keep the recorded terminal state.
		finalized, ferr := s.repo.FindByID(ctx, s.db, call.ID)
		if ferr == nil && finalized != nil {
			return finalized, nil
		}
		return call, nil
	}
	status := ledgerdomain.CallOK
	call.Status = &status
	s.recordCall(ctx, webservice, string(ledgerdomain.CallOK))
	return call, nil
}

func (s *Service) perform(ctx context.Context, perform ledgerdomain.PerformFunc) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return perform(callCtx)
}

func (s *Service) FinalizeStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.repo.FinalizeStalePending(ctx, s.db, olderThan.UTC(), "stale pending call reclaimed", s.clock.Now())
}

func (s *Service) HasLivePending(ctx context.Context, subscriptionID snowflake.ID, since time.Time) (bool, error) {
	count, err := s.repo.CountLivePending(ctx, s.db, subscriptionID, since.UTC())
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*ledgerdomain.WebserviceCall, error) {
	call, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, ledgerdomain.ErrNotFound
	}
	return call, nil
}

func (s *Service) ListCalls(ctx context.Context, filter ledgerdomain.ListFilter) ([]ledgerdomain.WebserviceCall, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) recordConsentOutcome(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordConsentCheck(ctx, outcome)
	}
}

func (s *Service) recordCall(ctx context.Context, webservice, status string) {
	if s.metrics != nil {
		s.metrics.RecordCallExecuted(ctx, webservice, status)
	}
}
