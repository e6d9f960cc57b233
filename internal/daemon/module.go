package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wizzle/wizzled/internal/api"
	"github.com/wizzle/wizzled/internal/bus"
	"github.com/wizzle/wizzled/internal/channel"
	"github.com/wizzle/wizzled/internal/config"
	"github.com/wizzle/wizzled/internal/lock"
	"github.com/wizzle/wizzled/internal/logging"
	"github.com/wizzle/wizzled/internal/secrets"
	"github.com/wizzle/wizzled/internal/session"
	"github.com/wizzle/wizzled/internal/store"
	intsync "github.com/wizzle/wizzled/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideSecretStore,
			provideCredentials,
			provideKeys,
			provideEncryptedStore,
			provideAPIClient,
			provideMessages,
			provideChats,
			provideRealtime,
			NewManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		logger.Info("no config file, using defaults", zap.String("path", path))
		cfg = config.Defaulted()
	} else if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("api_base_url", cfg.APIBaseURL),
		zap.String("realtime_url", cfg.RealtimeURL))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideSecretStore(p Params) (*secrets.FileStore, error) {
	return secrets.NewFileStore(session.SecretsDir(p.SessionName))
}

func provideCredentials(fs *secrets.FileStore) *secrets.SessionCredentials {
	return secrets.NewSessionCredentials(fs)
}

func provideKeys(fs *secrets.FileStore) *secrets.KeyProvider {
	return secrets.NewKeyProvider(fs)
}

func provideEncryptedStore(db *store.DB, keys *secrets.KeyProvider, logger *zap.Logger) *store.EncryptedStore {
	return store.NewEncryptedStore(db, keys, logger)
}

func provideAPIClient(cfg *config.Config, creds *secrets.SessionCredentials, logger *zap.Logger) (*api.Client, error) {
	timeout := time.Duration(cfg.FetchTimeoutSec) * time.Second
	return api.NewClient(cfg.APIBaseURL, creds.Token, logger, api.WithTimeout(timeout))
}

func provideMessages(client *api.Client) api.MessageRepository {
	return api.NewMessages(client)
}

func provideChats(client *api.Client) api.ChatDirectory {
	return api.NewChats(client)
}

func provideRealtime(cfg *config.Config, creds *secrets.SessionCredentials, b *bus.Bus, logger *zap.Logger) intsync.Realtime {
	return channel.New(cfg.RealtimeURL, creds.Token, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, mgr *Manager, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return mgr.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			mgr.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
