package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libredis "healthsense/backend/libs/redis"
	"healthsense/backend/services/vitals-viewer/internal/clients"
	"healthsense/backend/services/vitals-viewer/internal/clock"
	"healthsense/backend/services/vitals-viewer/internal/config"
	httpserver "healthsense/backend/services/vitals-viewer/internal/http"
	"healthsense/backend/services/vitals-viewer/internal/http/handlers"
	"healthsense/backend/services/vitals-viewer/internal/http/middleware"
	redisstore "healthsense/backend/services/vitals-viewer/internal/redis"
	"healthsense/backend/services/vitals-viewer/internal/service"
	"healthsense/backend/services/vitals-viewer/internal/ws"
)

// App wires vitals-viewer dependencies.
type App struct {
	controller  *service.SyncController
	publisher   *redisstore.Publisher
	server      *httpserver.Server
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	var mirror service.StateMirror
	if cfg.MirrorEnabled() {
		client, err := libredis.NewRedisClient(ctx, libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redisClient = client
		a.publisher = redisstore.NewPublisher(
			redisstore.NewStore(client, cfg.MirrorTTL()),
			cfg.Tenant.ID,
			0,
			logger,
		)
		mirror = a.publisher
	} else {
		logger.Info("latest-state mirror disabled")
	}

	roster := clients.NewRosterClient(cfg.API.BaseURL, clients.NewDefaultHTTPClient(cfg.APITimeout()))

	dialerCfg := ws.DefaultDialerConfig()
	dialerCfg.HandshakeTimeout = cfg.APITimeout()
	dialerCfg.WriteTimeout = time.Duration(cfg.WebSocket.WriteTimeoutSeconds) * time.Second
	dialerCfg.PingInterval = time.Duration(cfg.WebSocket.PingIntervalSeconds) * time.Second
	dialer := ws.NewGorillaDialer(dialerCfg, logger)

	controller, err := service.NewSyncController(service.SyncConfig{
		TenantID:     cfg.Tenant.ID,
		InitialMode:  cfg.SyncMode(),
		PullInterval: cfg.PullInterval(),
		FetchTimeout: cfg.APITimeout(),
		Stream: ws.Config{
			URL:         cfg.API.WSURL,
			Policy:      reconnectPolicy(cfg.Sync.Reconnect),
			DialTimeout: cfg.APITimeout(),
		},
	}, roster, dialer, clock.Real(), mirror, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.controller = controller

	router := httpserver.NewRouter(httpserver.RouterDeps{
		StateHandlers: handlers.NewStateHandlers(controller, logger),
		HealthHandler: handlers.Health,
	})
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger,
		middleware.Recovery(logger),
		middleware.Logging(logger),
	)

	return a, nil
}

func reconnectPolicy(rc config.ReconnectConfig) ws.ReconnectPolicy {
	delay := time.Duration(rc.DelayMillis) * time.Millisecond
	if strings.EqualFold(strings.TrimSpace(rc.Strategy), config.StrategyExponential) {
		return ws.ExponentialBackoff{
			Base:   delay,
			Max:    time.Duration(rc.MaxDelayMillis) * time.Millisecond,
			Jitter: rc.Jitter,
		}
	}
	return ws.FixedDelay(delay)
}

// Run starts the sync session, the mirror and the HTTP server, and loads the
// roster. It returns when ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.controller.Run(gctx)
	})
	if a.publisher != nil {
		g.Go(func() error {
			return a.publisher.Run(gctx)
		})
	}
	g.Go(func() error {
		return a.server.Run(gctx)
	})

	if err := a.controller.Initialize(); err != nil {
		a.logger.Error("initial roster load not scheduled", zap.Error(err))
	}

	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
