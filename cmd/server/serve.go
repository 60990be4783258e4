package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/tariel-x/sleepchecker/internal/config"
	"github.com/tariel-x/sleepchecker/internal/events"
	"github.com/tariel-x/sleepchecker/internal/handlers"
	"github.com/tariel-x/sleepchecker/internal/logging"
	"github.com/tariel-x/sleepchecker/internal/metrics"
	"github.com/tariel-x/sleepchecker/internal/push"
	"github.com/tariel-x/sleepchecker/internal/reminders"
	"github.com/tariel-x/sleepchecker/internal/store"
)

const shutdownTimeout = 10 * time.Second

func serve(parent context.Context) error {
	fs := afero.NewOsFs()
	config.LoadDotEnv()
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	if flagHTTPOnly {
		cfg.HTTPOnly = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: config.AppName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	logger.Info(fmt.Sprintf("sleepchecker v%s (build: %d)", AppVersion, buildTimestamp))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg, config.AppName)

	var db *store.Store
	if cfg.DatabaseURL != "" {
		db, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("persistence enabled")
	} else {
		logger.Warn("DATABASE_URL is empty, subscriptions live in memory only")
	}

	hub := events.NewHub(logger)
	defer hub.Close()

	rcfg := reminders.Config{
		Sender: push.New(push.Options{
			VAPID: cfg.VAPIDKeys,
			TTL:   cfg.PushTTL,
		}),
		Location:        cfg.Location,
		MaxPending:      cfg.MaxPending,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Events:          hub,
		Logger:          logger,
	}
	if db != nil {
		rcfg.Store = db
	}
	service := reminders.New(rcfg)
	defer service.Shutdown()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := service.Restore(ctx); err != nil {
		logger.Error("some subscriptions could not be restored", "restored", n, "error", err)
	}

	h := handlers.New(cfg, service, hub, websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	})
	if db != nil {
		h.WithHealthCheck(db.Ping)
	}

	router := setupRouter(h, cfg, reg, logger)
	servers, err := startServer(fs, router, cfg, flagSelfSigned, logger)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-servers.errs:
		logger.Error("server failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	servers.shutdown(shutdownCtx, logger)
	return nil
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), slogGinLogger(logger), metrics.GinMiddleware())
	router.Use(handlers.CORS(cfg.HTTPOnly, cfg.FrontendURI))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	h.Register(router)

	return router
}

// serverGroup tracks the listeners of one serving mode.
type serverGroup struct {
	servers []*http.Server
	errs    chan error
}

func newServerGroup() *serverGroup {
	return &serverGroup{errs: make(chan error, 2)}
}

func (g *serverGroup) run(srv *http.Server, listen func() error) {
	g.servers = append(g.servers, srv)
	go func() {
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.errs <- fmt.Errorf("%s: %w", srv.Addr, err)
		}
	}()
}

func (g *serverGroup) shutdown(ctx context.Context, logger *slog.Logger) {
	for _, srv := range g.servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
}
