package app

import (
	"context"
	"fmt"

	"github.com/socialfusion/chatsync/internal/channel"
	"github.com/socialfusion/chatsync/internal/config"
	"github.com/socialfusion/chatsync/internal/gateway"
	"github.com/socialfusion/chatsync/internal/lock"
	"github.com/socialfusion/chatsync/internal/logging"
	"github.com/socialfusion/chatsync/internal/profile"
	"github.com/socialfusion/chatsync/internal/store"
	intsync "github.com/socialfusion/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the sync engine, composing all providers
// and lifecycle hooks. The gateway is constructed exactly once here and
// injected into both synchronizers; there are no ambient singletons.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideHub,
			provideLock,
			provideStore,
			provideGateway,
			provideRelay,
			provideThread,
			provideChatList,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config (run setup first?): %w", err)
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("config has no user_id")
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideHub() *channel.Hub {
	return channel.NewHub()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideGateway(db *store.DB, hub *channel.Hub, cfg *config.Config, logger *zap.Logger) gateway.Gateway {
	return store.NewRemote(db, hub, cfg.UserID, logger)
}

func provideRelay(cfg *config.Config, hub *channel.Hub, logger *zap.Logger) *channel.Relay {
	if cfg.RealtimeURL == "" {
		return nil
	}
	return channel.NewRelay(cfg.RealtimeURL, hub, logger)
}

func provideThread(gw gateway.Gateway, hub *channel.Hub, logger *zap.Logger) *intsync.Thread {
	return intsync.NewThread(gw, hub, logger)
}

func provideChatList(gw gateway.Gateway, hub *channel.Hub, logger *zap.Logger) *intsync.ChatList {
	return intsync.NewChatList(gw, hub, logger)
}

func registerLifecycle(lc fx.Lifecycle, relay *channel.Relay, chats *intsync.ChatList, thread *intsync.Thread, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if relay != nil {
				relay.Start(context.Background())
			}
			if err := chats.Activate(context.Background()); err != nil {
				return fmt.Errorf("activate chat list: %w", err)
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			thread.Close()
			chats.Close(ctx)
			if relay != nil {
				relay.Stop()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
