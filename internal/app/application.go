package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"teleconsult/internal/api"
	"teleconsult/internal/auth"
	"teleconsult/internal/broker"
	"teleconsult/internal/cache"
	"teleconsult/internal/config"
	"teleconsult/internal/database"
	"teleconsult/internal/delivery"
	"teleconsult/internal/hub"
	"teleconsult/internal/invitation"
	"teleconsult/internal/media"
	"teleconsult/internal/memstore"
	"teleconsult/internal/notify"
	"teleconsult/internal/presence"
	"teleconsult/internal/reminder"
	"teleconsult/internal/router"
	"teleconsult/internal/session"
	"teleconsult/internal/waitingroom"
	"teleconsult/internal/websocket"
	"teleconsult/pkg/clock"
	pkgdatabase "teleconsult/pkg/database"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config  *config.Config
	logger  *logger.Logger
	log     *logrus.Entry
	metrics *metrics.Collector

	store         interfaces.Store
	cache         interfaces.KeyedCache
	mirror        *broker.EventMirror
	queueNotifier *delivery.QueueNotifier
	worker        *delivery.Worker

	registry   *websocket.Registry
	messageHub *hub.Hub
	sessions   *session.Manager
	validator  *auth.TokenValidator
	sweep      *reminder.Sweep
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Cache → Hub → Notifier → Presence → Queue → Sessions → Router → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	a := &Application{
		config: cfg,
		logger: log,
		log:    log.WithComponent("app"),
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector(cfg.Metrics.Namespace)
	}
	if err := a.build(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Application) build() error {
	cfg := a.config
	clk := clock.Real()

	// STEP 1: Store adapter (foundation layer)
	switch cfg.Database.Driver {
	case "sqlite":
		dbManager, err := database.NewManager(&pkgdatabase.Config{
			DatabasePath:    cfg.Database.Path,
			MaxConnections:  10,
			ConnMaxLifetime: cfg.Database.Timeout,
			ConnMaxIdleTime: cfg.Database.Timeout / 3,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database manager: %w", err)
		}
		a.store = dbManager
		a.log.WithField("path", cfg.Database.Path).Info("Database migrations applied successfully")
	default:
		a.store = memstore.New()
		a.log.Warn("Using the in-memory store; state is lost on restart")
	}

	// STEP 2: Debounce cache
	switch cfg.Notification.CacheBackend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
		defer cancel()
		rc, err := cache.NewRedisCache(ctx, cfg.Notification.RedisURL, "teleconsult:")
		if err != nil {
			return fmt.Errorf("failed to connect notification cache: %w", err)
		}
		a.cache = rc
	default:
		a.cache = cache.NewMemoryCache(clk)
	}

	// STEP 3: Optional broker mirror of session channel events
	if cfg.Broker.URL != "" {
		pub, err := broker.NewAMQPPublisher(cfg.Broker.URL)
		if err != nil {
			return fmt.Errorf("failed to connect event broker: %w", err)
		}
		a.mirror = broker.NewEventMirror(pub, cfg.Broker.Exchange, a.logger)
	}

	// STEP 4: Connection registry and the hub delivering events to it
	a.registry = websocket.NewRegistry()
	a.messageHub = hub.NewHub(a.registry, a.mirror, 0, a.logger)

	// STEP 5: Notification delivery backend
	var sender interfaces.Notifier = delivery.NewLogNotifier(a.logger, a.metrics)
	if cfg.Delivery.Backend == "asynq" {
		qn, err := delivery.NewQueueNotifier(cfg.Delivery.RedisAddr, cfg.Delivery.Queue, cfg.Delivery.MaxRetry, a.logger, a.metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize delivery queue: %w", err)
		}
		a.queueNotifier = qn
		worker, err := delivery.NewWorker(cfg.Delivery.RedisAddr, cfg.Delivery.Queue, cfg.Delivery.Concurrency, sender, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize delivery worker: %w", err)
		}
		a.worker = worker
		sender = qn
	}

	// STEP 6: Orchestration components
	notifier := notify.New(a.messageHub, a.cache, clk, notify.Config{
		JoinCooldown:    cfg.Notification.JoinCooldown,
		WaitingCooldown: cfg.Notification.WaitingCooldown,
	}, a.metrics, a.logger)
	mediaManager := media.NewManager(a.logger)
	presenceRegistry := presence.NewRegistry(a.store, a.messageHub, mediaManager, notifier, clk, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		GraceBeats:        cfg.Presence.GraceBeats,
	}, a.metrics, a.logger)
	queue := waitingroom.NewQueue(a.store, clk, waitingroom.Config{
		OrphanTimeout:     cfg.WaitingRoom.OrphanTimeout,
		BaseMinutes:       cfg.WaitingRoom.BaseMinutes,
		PerPatientMinutes: cfg.WaitingRoom.PerPatientMinutes,
	}, presenceRegistry, a.metrics, a.logger)
	invitations := invitation.NewService(a.store, clk, invitation.Config{
		TTL:              cfg.Invitation.TTL,
		DeviceTestCutoff: cfg.Invitation.DeviceTestCutoff,
		MaxDeviceTests:   cfg.Invitation.MaxDeviceTests,
	}, a.logger)

	a.sessions = session.NewManager(session.Deps{
		Store:       a.store,
		Presence:    presenceRegistry,
		Queue:       queue,
		Invitations: invitations,
		Notifier:    notifier,
		Media:       mediaManager,
		Delivery:    sender,
		Clock:       clk,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}, session.Config{JoinBaseURL: cfg.Invitation.JoinBaseURL})

	if cfg.Reminder.Enabled {
		a.sweep = reminder.New(reminder.Deps{
			Store:       a.store,
			Invitations: invitations,
			Queue:       queue,
			Sessions:    a.sessions,
			Delivery:    sender,
			Clock:       clk,
			Metrics:     a.metrics,
			Logger:      a.logger,
		}, reminder.Config{
			Interval:     cfg.Reminder.Interval,
			LookaheadMin: cfg.Reminder.LookaheadMin,
			LookaheadMax: cfg.Reminder.LookaheadMax,
		})
	}

	// STEP 7: Socket surface: frame router plus the upgrade handler
	a.validator = auth.NewTokenValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, clk)
	frames := router.NewRouter(a.sessions, presenceRegistry, notifier, clk, routerConfig(cfg.WebSocket), a.logger)
	wsHandler := websocket.NewHandler(a.registry, a.sessions, frames, a.validator, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, a.metrics, a.logger)

	// STEP 8: API server with the socket and metrics endpoints mounted
	opts := api.Options{WebSocket: http.HandlerFunc(wsHandler.HandleWebSocket)}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	a.apiServer = api.NewServer(a.sessions, a.validator, a.store, a.registry, a.metrics, a.logger, opts)

	a.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler:      a.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return nil
}

func routerConfig(ws *config.WebSocketConfig) router.Config {
	return router.Config{
		RateLimit:     ws.RateLimit,
		RateWindow:    ws.RateWindow,
		TypingTimeout: ws.TypingTimeout,
	}
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Hub starts first to handle events, then background jobs, then the HTTP listener
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("application already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	// STEP 1: Start event hub (background delivery)
	if err := a.messageHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Background jobs
	if a.sweep != nil {
		if err := a.sweep.Start(runCtx); err != nil {
			cancel()
			_ = a.messageHub.Stop()
			return fmt.Errorf("failed to start reminder sweep: %w", err)
		}
	}
	if a.worker != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := a.worker.Run(runCtx); err != nil {
				a.log.WithError(err).Error("Delivery worker stopped")
			}
		}()
	}

	// STEP 3: Accept connections
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		cancel()
		a.stopBackground()
		return fmt.Errorf("HTTP server error: %w", err)
	}
	a.listener = ln
	a.cancel = cancel
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("HTTP server stopped")
		}
	}()

	a.log.WithField("addr", ln.Addr().String()).Info("Teleconsult application started")
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → background jobs → Hub → collaborators → Store
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.Info("Shutting down teleconsult application")

	var errs []error
	if a.cancel != nil {
		// STEP 1: Stop accepting new connections
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		// STEP 2: Stop background work and event delivery
		a.cancel()
		a.stopBackground()
		a.cancel = nil
	}

	// STEP 3: Close collaborators and the store
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("Teleconsult application shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) stopBackground() {
	if a.sweep != nil {
		if err := a.sweep.Stop(); err != nil && !errors.Is(err, reminder.ErrSweepNotRunning) {
			a.log.WithError(err).Warn("Reminder sweep shutdown error")
		}
	}
	a.workers.Wait()
	if err := a.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.log.WithError(err).Warn("Message hub shutdown error")
	}
}

func (a *Application) closeResources() error {
	var errs []error
	if a.queueNotifier != nil {
		if err := a.queueNotifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("delivery queue: %w", err))
		}
		a.queueNotifier = nil
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event broker: %w", err))
		}
		a.mirror = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("notification cache: %w", err))
		}
		a.cache = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		a.store = nil
	}
	return errors.Join(errs...)
}

// GetAddr returns the bound listener address once started, the configured one before
func (a *Application) GetAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler exposes the HTTP surface for in-process tests.
func (a *Application) Handler() http.Handler {
	return a.apiServer
}

// Validator issues and checks the bearer tokens the API accepts.
func (a *Application) Validator() *auth.TokenValidator {
	return a.validator
}

// Sessions exposes the orchestration facade.
func (a *Application) Sessions() *session.Manager {
	return a.sessions
}
