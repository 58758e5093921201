// Package host binds the worklist services to the process lifecycle: the
// DICOM listener, the scheduled sync, the routing file watcher and the admin
// HTTP API start and stop together.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/worklist/internal/domain/emrsync"
	"github.com/ehr/worklist/internal/domain/mpps"
	"github.com/ehr/worklist/internal/domain/mwl"
	"github.com/ehr/worklist/internal/domain/routing"
	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/auth"
	"github.com/ehr/worklist/internal/platform/db"
	"github.com/ehr/worklist/internal/platform/dimse"
	"github.com/ehr/worklist/internal/platform/middleware"
	"github.com/ehr/worklist/internal/platform/telemetry"
)

const defaultRequestTimeout = 60 * time.Second

type Config struct {
	DICOM dimse.ServerConfig
	// HTTPAddr is the admin API address. Empty disables the admin API.
	HTTPAddr       string
	CORSOrigins    []string
	RequestTimeout time.Duration
	// AdminAuth, when set, requires a bearer token on /api/v1.
	AdminAuth   *auth.JWTConfig
	StoreDriver string
}

// Deps are the collaborators built by the caller. Sync, Router, Metrics and
// Pool may be nil.
type Deps struct {
	Store   worklist.Store
	Sync    *emrsync.Service
	Router  *routing.Router
	Metrics *telemetry.Metrics
	Pool    *pgxpool.Pool
}

type Host struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	dicom *dimse.Server
	admin *echo.Echo

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps, logger zerolog.Logger) *Host {
	h := &Host{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "host").Logger(),
	}

	// A nil *Service must not reach the responder as a non-nil interface.
	var syncer mwl.Syncer
	if deps.Sync != nil {
		syncer = deps.Sync
	}
	var router mwl.StationRouter
	if deps.Router != nil {
		router = deps.Router
	}

	services := dimse.Services{
		Worklist:      mwl.NewResponder(deps.Store, syncer, router, deps.Metrics, logger),
		ProcedureStep: mpps.NewTracker(deps.Store, deps.Metrics, logger),
	}
	h.dicom = dimse.NewServer(cfg.DICOM, services, logger)
	h.admin = h.newAdmin(logger)
	return h
}

func (h *Host) newAdmin(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	timeout := h.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(h.deps.Metrics.HTTPMiddleware())
	if len(h.cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: h.cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		}))
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(timeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(h.deps.Store, h.cfg.StoreDriver, h.deps.Pool))
	if h.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.deps.Metrics.Handler()))
	}

	var guard []echo.MiddlewareFunc
	var syncGuard []echo.MiddlewareFunc
	if h.cfg.AdminAuth != nil {
		guard = append(guard, auth.JWTMiddleware(*h.cfg.AdminAuth))
		syncGuard = append(syncGuard, auth.RequireRole(auth.RoleOperator))
	}
	api := e.Group("/api/v1", guard...)
	worklist.NewHandler(h.deps.Store).RegisterRoutes(api)
	if h.deps.Sync != nil {
		emrsync.NewHandler(h.deps.Sync).RegisterRoutes(api, syncGuard...)
	}
	if h.deps.Router != nil {
		api.GET("/routing", func(c echo.Context) error {
			return c.JSON(http.StatusOK, h.deps.Router.Snapshot())
		})
	}
	return e
}

// AdminHandler exposes the admin API router.
func (h *Host) AdminHandler() http.Handler { return h.admin }

// DICOMAddr returns the bound DICOM listener address once started.
func (h *Host) DICOMAddr() string { return h.dicom.Addr() }

// AdminAddr returns the bound admin API address once started, or "".
func (h *Host) AdminAddr() string {
	if h.admin.Listener == nil {
		return ""
	}
	return h.admin.Listener.Addr().String()
}

// Start opens both listeners and launches the background tasks. Listener
// errors are returned before any task starts running.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("host already started")
	}

	if h.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", h.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen admin api on %s: %w", h.cfg.HTTPAddr, err)
		}
		h.admin.Listener = ln
	}
	if err := h.dicom.Start(); err != nil {
		if h.admin.Listener != nil {
			h.admin.Listener.Close()
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.started = true

	if h.admin.Listener != nil {
		h.goTask(func() {
			if err := h.admin.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error().Err(err).Msg("admin api stopped")
			}
		})
	}
	if h.deps.Sync != nil {
		h.goTask(func() { h.deps.Sync.Run(runCtx) })
	}
	if h.deps.Router != nil {
		h.goTask(func() {
			if err := h.deps.Router.Watch(runCtx); err != nil {
				h.logger.Warn().Err(err).Msg("routing file watch disabled")
			}
		})
	}

	h.logger.Info().
		Str("dicom_addr", h.dicom.Addr()).
		Str("admin_addr", h.AdminAddr()).
		Bool("sync", h.deps.Sync != nil).
		Msg("worklist services started")
	return nil
}

func (h *Host) goTask(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Stop shuts both listeners down, aborts any sync pass in flight and waits
// for the background tasks until ctx expires.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}
	h.started = false
	h.cancel()

	var errs []error
	if h.admin.Listener != nil {
		if err := h.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin api: %w", err))
		}
	}
	if err := h.dicom.Stop(); err != nil {
		errs = append(errs, err)
	}
	if h.deps.Sync != nil {
		if err := h.deps.Sync.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
	}

	h.logger.Info().Msg("worklist services stopped")
	return errors.Join(errs...)
}
