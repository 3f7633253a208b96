package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/gridsight/consentgate/internal/clock"
	"github.com/gridsight/consentgate/internal/config"
	"github.com/gridsight/consentgate/internal/consent"
	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	"github.com/gridsight/consentgate/internal/ledger"
	ledgerdomain "github.com/gridsight/consentgate/internal/ledger/domain"
	"github.com/gridsight/consentgate/internal/observability"
	obsmiddleware "github.com/gridsight/consentgate/internal/observability/logger"
	obsmetrics "github.com/gridsight/consentgate/internal/observability/metrics"
	obstracing "github.com/gridsight/consentgate/internal/observability/tracing"
	"github.com/gridsight/consentgate/internal/remote"
	"github.com/gridsight/consentgate/internal/scheduler"
	"github.com/gridsight/consentgate/internal/subscription"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
	"github.com/gridsight/consentgate/internal/usagepoint"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	usagepoint.Module,
	consent.Module,
	ledger.Module,
	subscription.Module,
	remote.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	clock           clock.Clock
	consentSvc      consentdomain.Service
	usagePointSvc   usagepointdomain.Service
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	caller          remote.Caller
	scheduler       *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	Clock           clock.Clock
	ConsentSvc      consentdomain.Service
	UsagePointSvc   usagepointdomain.Service
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Caller          remote.Caller
	Scheduler       *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		clock:           p.Clock,
		consentSvc:      p.ConsentSvc,
		usagePointSvc:   p.UsagePointSvc,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		caller:          p.Caller,
		scheduler:       p.Scheduler,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/users", s.RegisterUser)

	v1.POST("/usage-points", s.RegisterUsagePoint)
	v1.GET("/usage-points", s.ListUsagePoints)
	v1.GET("/usage-points/:id", s.GetUsagePoint)

	v1.POST("/consents", s.CreateConsent)
	v1.GET("/consents", s.ListConsents)
	v1.GET("/consents/:id", s.GetConsent)
	v1.POST("/consents/:id/revoke", s.RevokeConsent)

	v1.POST("/calls/query", s.HistoricalQuery)
	v1.GET("/calls", s.ListCalls)
	v1.GET("/calls/:id", s.GetCall)

	v1.POST("/subscriptions", s.Subscribe)
	v1.GET("/subscriptions", s.ListSubscriptions)
	v1.GET("/subscriptions/:id", s.GetSubscription)
	v1.POST("/subscriptions/:id/notified", s.MarkSubscriptionNotified)
	v1.DELETE("/subscriptions/:id", s.Unsubscribe)

	v1.GET("/sweep-findings", s.ListSweepFindings)
}
