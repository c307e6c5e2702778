package daemon

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bulk"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/httpapi"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/profile"
	"github.com/matheus3301/convsync/internal/push"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/transport"
	"github.com/matheus3301/convsync/internal/typing"
	"github.com/matheus3301/convsync/internal/unread"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string          // optional override for testing; empty = use default
	Profile     *config.Profile // optional; nil = read profile.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideProfile,
			provideLogger,
			provideClock,
			provideBus,
			provideLock,
			provideStore,
			provideHTTPClient,
			providePushChannel,
			provideCache,
			provideTransport,
			provideTyping,
			provideUnread,
			provideBulk,
			provideSender,
			provideSyncEngine,
			provideReconciler,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideProfile(p Params) (*config.Profile, error) {
	if p.Profile != nil {
		prof := *p.Profile
		prof.ApplyDefaults()
		return &prof, prof.Validate()
	}
	return config.LoadProfile(profile.ProfileConfigPath(p.ProfileName))
}

func provideLogger(p Params, prof *config.Profile) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, prof.Log.Debug)
}

func provideClock() clock.Clock {
	return clock.New()
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never share a database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
		logger.Info("mirror schema migrated", zap.Uint("from", result.From), zap.Uint("to", result.Version))
	}
	logger.Info("store initialized", zap.String("path", db.Path()), zap.Uint("schema", result.Version))
	return db, nil
}

func provideHTTPClient(prof *config.Profile, logger *zap.Logger) *httpapi.Client {
	return httpapi.New(httpapi.Config{
		BaseURL:   prof.Server.BaseURL,
		CSRFToken: prof.Server.CSRFToken,
		AuthToken: prof.Server.AuthToken,
		Timeout:   prof.Server.RequestTimeout,
		UserAgent: "convsyncd",
	}, logger.Named("http"))
}

func providePushChannel(prof *config.Profile, clk clock.Clock, logger *zap.Logger) *push.Channel {
	header := http.Header{}
	if prof.Server.AuthToken != "" {
		header.Set("Authorization", "Bearer "+prof.Server.AuthToken)
	}
	return push.New(push.Config{
		URL:               prof.Server.PushURL,
		Header:            header,
		HeartbeatInterval: prof.Sync.HeartbeatInterval,
		Clock:             clk,
	}, logger.Named("push"))
}

func provideCache(client *httpapi.Client, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(client, b, logger.Named("cache"))
}

func provideTransport(prof *config.Profile, ch *push.Channel, c *cache.Cache, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *transport.Manager {
	return transport.New(transport.Config{
		PollInterval:         prof.Sync.PollInterval,
		ReconnectDelay:       prof.Sync.ReconnectDelay,
		MaxReconnectAttempts: prof.Sync.MaxReconnectAttempts,
		FetchTimeout:         prof.Server.RequestTimeout,
	}, ch, c, b, clk, logger.Named("transport"))
}

func provideTyping(prof *config.Profile, m *transport.Manager, client *httpapi.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *typing.Broadcaster {
	return typing.New(typing.Config{
		UserID:   prof.Identity.UserID,
		UserName: prof.Identity.UserName,
		Expiry:   prof.Sync.TypingExpiry,
	}, m, client, b, clk, logger.Named("typing"))
}

func provideUnread(prof *config.Profile, client *httpapi.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *unread.Counter {
	return unread.New(client, b, clk, prof.Sync.UnreadInterval, logger.Named("unread"))
}

func provideBulk(prof *config.Profile, client *httpapi.Client, db *store.DB, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *bulk.Coordinator {
	return bulk.New(bulk.Config{Timeout: prof.Sync.BulkTimeout}, client, db, b, clk, logger.Named("bulk"))
}

func provideSender(prof *config.Profile, db *store.DB, client *httpapi.Client, m *transport.Manager, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(outbox.Config{
		SenderID:   prof.Identity.UserID,
		SenderRole: prof.Identity.Role,
		SenderName: prof.Identity.UserName,
	}, db, client, m, m, b, clk, logger.Named("outbox"))
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger.Named("sync"))
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger.Named("sync"))
}

func provideControlService(
	p Params,
	prof *config.Profile,
	m *transport.Manager,
	c *cache.Cache,
	tb *typing.Broadcaster,
	counter *unread.Counter,
	coord *bulk.Coordinator,
	sender *outbox.Sender,
	b *bus.Bus,
	clk clock.Clock,
	logger *zap.Logger,
) *api.ControlService {
	return api.NewControlService(api.Deps{
		Profile:   p.ProfileName,
		Identity:  api.Identity{UserID: prof.Identity.UserID, Role: prof.Identity.Role},
		Transport: m,
		Cache:     c,
		Signals:   tb,
		Unread:    counter,
		Bulk:      coord,
		Outbox:    sender,
		Bus:       b,
		Clock:     clk,
		Logger:    logger.Named("api"),
	})
}

// components groups what the lifecycle hooks drive.
type components struct {
	fx.In

	Profile    *config.Profile
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Cache      *cache.Cache
	Transport  *transport.Manager
	Typing     *typing.Broadcaster
	Unread     *unread.Counter
	Bulk       *bulk.Coordinator
	Sender     *outbox.Sender
	Engine     *intsync.Engine
	Reconciler *intsync.Reconciler
	Clock      clock.Clock
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	id := c.Profile.Identity

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Prime the cache before anything can subscribe.
			res, err := c.Reconciler.Replay(ctx, c.Cache, c.Clock.Now())
			if err != nil {
				logger.Warn("replay failed, starting cold", zap.Error(err))
			} else {
				logger.Info("replayed stored state",
					zap.Int("conversations", res.Conversations),
					zap.Int("lists", res.Lists),
					zap.Int64("expired_operations", res.Expired))
			}

			c.Engine.Start(context.Background())

			if err := c.Transport.Start(ctx); err != nil {
				return err
			}
			if err := c.Transport.SubscribeUserConversationList(id.UserID, id.Role, nil); err != nil {
				return err
			}
			if err := c.Typing.Start(ctx); err != nil {
				return err
			}
			err = c.Unread.Listen(context.Background(), id.UserID, id.Role, func(n int) {
				logger.Debug("unread count", zap.Int("count", n))
			})
			if err != nil {
				return err
			}

			c.Sender.Start(context.Background())

			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Server.Stop(ctx)
			c.Sender.Stop()

			var err error
			err = multierr.Append(err, c.Unread.Stop(ctx))
			err = multierr.Append(err, c.Typing.Stop(ctx))
			err = multierr.Append(err, c.Bulk.Stop(ctx))
			err = multierr.Append(err, c.Transport.Stop(ctx))
			c.Engine.Stop()
			err = multierr.Append(err, c.DB.Close())
			if lerr := c.Lock.Release(); lerr != nil {
				logger.Warn("error releasing lock", zap.Error(lerr))
			}
			if err != nil {
				logger.Warn("shutdown finished with errors", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return err
		},
	})
}
