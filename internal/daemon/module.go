package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/call"
	"github.com/matheus3301/parley/internal/config"
	"github.com/matheus3301/parley/internal/core"
	"github.com/matheus3301/parley/internal/lock"
	"github.com/matheus3301/parley/internal/logging"
	"github.com/matheus3301/parley/internal/metrics"
	"github.com/matheus3301/parley/internal/outbox"
	"github.com/matheus3301/parley/internal/restapi"
	"github.com/matheus3301/parley/internal/search"
	"github.com/matheus3301/parley/internal/session"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/store"
	chatsync "github.com/matheus3301/parley/internal/sync"
	"github.com/matheus3301/parley/internal/transport"
	"github.com/matheus3301/parley/internal/typing"
	"github.com/matheus3301/parley/internal/upload"
)

const closeTimeout = 5 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			metrics.New,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTransport,
			provideRESTClient,
			provideSynchronizer,
			provideTyping,
			provideCall,
			provideStaging,
			provideIndexer,
			provideSender,
			provideSession,
			provideChatService,
			provideCallService,
			provideEventService,
			health.NewServer,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.NewWithLevel(session.LogPath(p.SessionName), p.SessionName, level)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	if err := config.LoadEnvFile(session.EnvPath(p.SessionName)); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("push_url", cfg.Server.PushURL),
		zap.String("api_url", cfg.Server.APIURL),
		zap.String("user_id", cfg.Account.UserID),
	)
	return cfg, nil
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	b := bus.New()
	b.OnDrop(m.BusDropped)
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never share a journal.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.JournalPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("journal migrated", zap.Uint("from", result.Previous), zap.Uint("to", result.Version))
	}
	logger.Info("journal opened", zap.String("path", dbPath), zap.Uint("schema", result.Version))
	return db, nil
}

func provideTransport(cfg *config.Config, logger *zap.Logger) *transport.Client {
	return transport.NewClient(transport.Options{
		URL:            cfg.Server.PushURL,
		Token:          cfg.Account.Token,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("transport"))
}

func provideRESTClient(cfg *config.Config, logger *zap.Logger) *restapi.Client {
	return restapi.New(restapi.Options{
		BaseURL: cfg.Server.APIURL,
		Token:   cfg.Account.Token,
		Timeout: cfg.Server.RequestTimeout,
	}, logger.Named("restapi"))
}

func provideSynchronizer(cfg *config.Config, tr *transport.Client, rest *restapi.Client, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *chatsync.Synchronizer {
	s := chatsync.New(chatsync.Options{
		SelfID:     cfg.Account.UserID,
		EditWindow: cfg.Chat.EditWindow,
		PageSize:   cfg.Chat.PageSize,
	}, tr, rest, db, b, logger.Named("sync"))
	s.SetMetrics(m)
	return s
}

func provideTyping(cfg *config.Config, tr *transport.Client, b *bus.Bus, logger *zap.Logger) *typing.Controller {
	return typing.NewController(typing.Options{
		SelfID:    cfg.Account.UserID,
		Idle:      cfg.Chat.TypingIdle,
		RemoteTTL: cfg.Chat.RemoteTypingTTL,
	}, tr, b, logger.Named("typing"))
}

// provideCall wires no media plane; the audio room is joined by whatever
// renders the call.
func provideCall(cfg *config.Config, tr *transport.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *call.Machine {
	return call.NewMachine(call.Options{
		SelfID:       cfg.Account.UserID,
		RingTimeout:  cfg.Call.RingTimeout,
		OnTransition: m.CallTransition,
	}, tr, nil, b, logger.Named("call"))
}

func provideStaging(cfg *config.Config, rest *restapi.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *upload.Staging {
	s := upload.NewStaging(upload.Policy{
		MaxFileSize:  cfg.Upload.MaxFileSize,
		AllowedTypes: cfg.Upload.AllowedTypes,
		MaxPending:   cfg.Upload.MaxPending,
		Concurrency:  cfg.Upload.Concurrency,
	}, rest, b, logger.Named("upload"))
	s.OnResult = m.Upload
	return s
}

func provideIndexer(b *bus.Bus) *search.Indexer {
	return search.NewIndexer(b)
}

func provideSender(db *store.DB, s *chatsync.Synchronizer, tr *transport.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(outbox.Options{}, db, s, tr.Connected, b, logger.Named("outbox"))
}

func provideSession(
	m *status.Machine,
	s *chatsync.Synchronizer,
	t *typing.Controller,
	c *call.Machine,
	st *upload.Staging,
	x *search.Indexer,
	o *outbox.Sender,
	b *bus.Bus,
	logger *zap.Logger,
) *core.Session {
	return core.New(core.Components{
		Status:  m,
		Sync:    s,
		Typing:  t,
		Call:    c,
		Staging: st,
		Search:  x,
		Outbox:  o,
	}, b, logger)
}

func provideChatService(sess *core.Session, rest *restapi.Client, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(sess, rest, logger.Named("api"))
}

func provideCallService(sess *core.Session) *api.CallService {
	return api.NewCallService(sess.Call())
}

func provideEventService(p Params, sess *core.Session, b *bus.Bus, logger *zap.Logger) *api.EventService {
	return api.NewEventService(p.SessionName, sess, b, logger.Named("api"))
}

// provideMetricsServer returns nil when no metrics address is configured.
func provideMetricsServer(cfg *config.Config, m *metrics.Metrics, sm *status.Machine, logger *zap.Logger) *metrics.Server {
	if cfg.Metrics.Addr == "" {
		return nil
	}
	return metrics.NewServer(cfg.Metrics.Addr, m, func() (string, bool) {
		st := sm.Current()
		return string(st), st == status.Ready
	}, logger.Named("metrics"))
}

// watchHealth mirrors the connection status into the standard health service.
func watchHealth(ctx context.Context, ch <-chan bus.Event, hs *health.Server) {
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			serving := healthpb.HealthCheckResponse_NOT_SERVING
			if change.To == status.Ready {
				serving = healthpb.HealthCheckResponse_SERVING
			}
			hs.SetServingStatus("", serving)
		case <-ctx.Done():
			return
		}
	}
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	ms *metrics.Server,
	hs *health.Server,
	lk *lock.Lock,
	db *store.DB,
	tr *transport.Client,
	sess *core.Session,
	sender *outbox.Sender,
	b *bus.Bus,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			statusCh, unsub := b.Subscribe(bus.SessionStatusChanged, 16)
			go func() {
				defer unsub()
				watchHealth(ctx, statusCh, hs)
			}()

			if ms != nil {
				if err := ms.Start(); err != nil {
					return err
				}
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sender.Start(ctx)

			go func() {
				defer func() { done <- struct{}{} }()
				if err := tr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("transport stopped", zap.Error(err))
				}
			}()
			go func() {
				defer func() { done <- struct{}{} }()
				if err := sess.Run(ctx, tr.Events()); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("session stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			closeCtx, closeCancel := context.WithTimeout(stopCtx, closeTimeout)
			sess.Close(closeCtx)
			closeCancel()

			cancel()
			sender.Stop()
			for range 2 {
				select {
				case <-done:
				case <-stopCtx.Done():
				}
			}

			srv.Stop(stopCtx)
			hs.Shutdown()
			if ms != nil {
				if err := ms.Stop(stopCtx); err != nil {
					logger.Warn("metrics server stop", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing journal", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
