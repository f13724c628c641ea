package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/discord"
	"github.com/memohai/chatgate/internal/channel/adapters/matrix"
	"github.com/memohai/chatgate/internal/channel/adapters/telegram"
	"github.com/memohai/chatgate/internal/channel/inbound"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/db"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/handlers"
	"github.com/memohai/chatgate/internal/healthcheck"
	channelchecker "github.com/memohai/chatgate/internal/healthcheck/checkers/channel"
	pgchecker "github.com/memohai/chatgate/internal/healthcheck/checkers/postgres"
	"github.com/memohai/chatgate/internal/logger"
	"github.com/memohai/chatgate/internal/media"
	"github.com/memohai/chatgate/internal/pairing"
	"github.com/memohai/chatgate/internal/server"
	"github.com/memohai/chatgate/internal/session"
)

const adapterHTTPTimeout = 90 * time.Second

func runServe(cfg config.Config) error {
	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStores,
			provideHTTPClient,
			provideChannelRegistry,
			provideMediaIngestor,
			provideRouter,
			provideDispatcher,
			provideProcessor,
			provideChannelManager,
			providePairingSweeper,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(handlers.NewPairingHandler),
			provideServerHandler(provideChannelHandler),
			provideServer,
		),
		fx.Invoke(
			startPairingSweeper,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

type storesOut struct {
	fx.Out
	Pairing  pairing.Store
	Sessions session.Store
	Pool     *pgxpool.Pool
}

// provideStores uses Postgres when enabled and in-memory stores otherwise.
func provideStores(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (storesOut, error) {
	opts := pairing.Options{
		TTL:        config.ParseDuration(cfg.Pairing.TTL, pairing.DefaultTTL),
		MaxPending: cfg.Pairing.MaxPending,
	}
	if !cfg.Postgres.Enabled {
		log.Warn("postgres disabled, pairing approvals and sessions are kept in memory")
		return storesOut{
			Pairing:  pairing.NewMemoryStore(opts),
			Sessions: session.NewMemoryStore(time.Now),
		}, nil
	}
	if err := db.Migrate(cfg.Postgres); err != nil {
		return storesOut{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return storesOut{}, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return storesOut{
		Pairing:  pairing.NewPostgresStore(pool, opts),
		Sessions: session.NewPostgresStore(pool),
		Pool:     pool,
	}, nil
}

func provideHTTPClient() *http.Client {
	return &http.Client{Timeout: adapterHTTPTimeout}
}

func provideChannelRegistry(log *slog.Logger, client *http.Client) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(telegram.NewAdapter(log, client))
	registry.MustRegister(matrix.NewAdapter(log, client))
	registry.MustRegister(discord.NewAdapter(log, client))
	return registry
}

func provideMediaIngestor(log *slog.Logger, cfg config.Config) (*media.Ingestor, error) {
	store, err := media.NewFileStore(cfg.Media.Dir)
	if err != nil {
		return nil, fmt.Errorf("init media store: %w", err)
	}
	return media.NewIngestor(log, store, media.NewFFProbe()), nil
}

func provideRouter(cfg config.Config) session.Resolver {
	bindings := make([]session.Binding, 0, len(cfg.Routing.Bindings))
	for _, b := range cfg.Routing.Bindings {
		bindings = append(bindings, session.Binding{
			AgentID:   b.AgentID,
			Channel:   b.Channel,
			AccountID: b.AccountID,
			PeerKind:  b.PeerKind,
			PeerID:    b.PeerID,
		})
	}
	return session.NewRouter(cfg.Routing.DefaultAgent, session.DMScope(cfg.Routing.DMScope), bindings)
}

func provideDispatcher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) dispatch.Dispatcher {
	client := dispatch.NewWSClient(dispatch.WSOptions{
		URL:     cfg.Agent.URL,
		Token:   cfg.Agent.Token,
		Timeout: config.ParseDuration(cfg.Agent.Timeout, 5*time.Minute),
		Logger:  log,
	})
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return client
}

type processorParams struct {
	fx.In
	Logger     *slog.Logger
	Config     config.Config
	Registry   *channel.Registry
	Pairing    pairing.Store
	Sessions   session.Store
	Media      *media.Ingestor
	Routes     session.Resolver
	Dispatcher dispatch.Dispatcher
	HTTPClient *http.Client
}

func provideProcessor(p processorParams) (*inbound.Processor, error) {
	return inbound.NewProcessor(inbound.Options{
		Registry:        p.Registry,
		Pairing:         p.Pairing,
		Media:           p.Media,
		Routes:          p.Routes,
		Sessions:        p.Sessions,
		Dispatcher:      p.Dispatcher,
		Loader:          media.NewLoader(p.HTTPClient, p.Config.Media.Dir),
		Logger:          p.Logger,
		DispatchTimeout: config.ParseDuration(p.Config.Agent.Timeout, 5*time.Minute),
	})
}

func provideChannelManager(log *slog.Logger, cfg config.Config, registry *channel.Registry, processor *inbound.Processor) *channel.Manager {
	return channel.NewManager(log, registry, cfg.Accounts(), processor)
}

func providePairingSweeper(log *slog.Logger, cfg config.Config, store pairing.Store) (*pairing.Sweeper, error) {
	return pairing.NewSweeper(log, store, cfg.Pairing.SweepSpec)
}

func providePingHandler(log *slog.Logger, manager *channel.Manager, pool *pgxpool.Pool) *handlers.PingHandler {
	checkers := []healthcheck.Checker{channelchecker.NewChecker(log, manager)}
	if pool != nil {
		checkers = append(checkers, pgchecker.NewChecker(pool))
	}
	return handlers.NewPingHandler(log, checkers...)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, cfg.Admin, cfg.Auth.JWTSecret, config.ParseDuration(cfg.Auth.JWTExpiresIn, 24*time.Hour))
}

func provideChannelHandler(registry *channel.Registry, manager *channel.Manager) *handlers.ChannelHandler {
	return handlers.NewChannelHandler(registry, manager)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if params.Config.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...), nil
}

func startPairingSweeper(lc fx.Lifecycle, sweeper *pairing.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { sweeper.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return sweeper.Stop(ctx) },
	})
}

// startChannelManager stops the monitor loops first and then waits for
// in-flight dispatches so their deliveries can finish.
func startChannelManager(lc fx.Lifecycle, manager *channel.Manager, processor *inbound.Processor) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { manager.Start(ctx); return nil },
		OnStop: func(stopCtx context.Context) error {
			cancel()
			err := manager.Shutdown(stopCtx)
			return errors.Join(err, processor.Wait(stopCtx))
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("operator api listening", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
