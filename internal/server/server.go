// Package server exposes the HTTP surface: the billing webhook, order and
// top-up operations, and the admin batch endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	syncdomain "github.com/smallbiznis/numera/internal/billingsync/domain"
	"github.com/smallbiznis/numera/internal/clock"
	"github.com/smallbiznis/numera/internal/config"
	ddidomain "github.com/smallbiznis/numera/internal/ddi/domain"
	orderdomain "github.com/smallbiznis/numera/internal/didorder/domain"
	invoicedomain "github.com/smallbiznis/numera/internal/invoice/domain"
	"github.com/smallbiznis/numera/internal/reconcile"
	"github.com/smallbiznis/numera/internal/renewal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
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
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	ddiSvc       ddidomain.Service
	orderSvc     orderdomain.Service
	invoiceSvc   invoicedomain.Service
	syncSvc      syncdomain.Service
	renewalSvc   *renewal.Service
	reconcileSvc *reconcile.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Clock        clock.Clock
	GenID        *snowflake.Node
	DdiSvc       ddidomain.Service
	OrderSvc     orderdomain.Service
	InvoiceSvc   invoicedomain.Service
	SyncSvc      syncdomain.Service
	RenewalSvc   *renewal.Service
	ReconcileSvc *reconcile.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("server"),
		clock:        p.Clock,
		genID:        p.GenID,
		ddiSvc:       p.DdiSvc,
		orderSvc:     p.OrderSvc,
		invoiceSvc:   p.InvoiceSvc,
		syncSvc:      p.SyncSvc,
		renewalSvc:   p.RenewalSvc,
		reconcileSvc: p.ReconcileSvc,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")
	v1.POST("/orders", s.CreateOrder)
	v1.GET("/orders/:id", s.GetOrder)
	v1.POST("/orders/:id/approve", s.ApproveOrder)
	v1.POST("/orders/:id/reject", s.RejectOrder)
	v1.POST("/topups", s.CreateTopup)
	v1.POST("/ddis/:id/suspend", s.SuspendDdi)
	v1.POST("/ddis/:id/unsuspend", s.UnsuspendDdi)
	v1.POST("/ddis/:id/release", s.ReleaseDdi)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")
	admin.POST("/ddis", s.CreateDdi)
	admin.POST("/renewals:run", s.RunRenewals)
	admin.POST("/reservations:expire", s.ExpireReservations)
	admin.POST("/invoices/:id/sync:retry", s.RetryInvoiceSync)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/billing", s.HandleBillingWebhook)
}
