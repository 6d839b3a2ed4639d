package monitor

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/olliecrow/quota_monitor/internal/auth"
	"github.com/olliecrow/quota_monitor/internal/config"
	"github.com/olliecrow/quota_monitor/internal/history"
	"github.com/olliecrow/quota_monitor/internal/notify"
	"github.com/olliecrow/quota_monitor/internal/secrets"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

// Build constructs the whole object graph from configuration. The caller
// owns the returned service and must Close it.
func Build(ctx context.Context, cfg config.Config, settings *config.SettingsStore, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clock := clockwork.NewRealClock()
	var closers []func() error
	fail := func(err error) (*Service, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}

	store, closeStore, err := buildCredentialStore(cfg)
	if err != nil {
		return fail(err)
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	notifier, closeNotifier := buildNotifier(cfg, log)
	if closeNotifier != nil {
		closers = append(closers, closeNotifier)
	}
	st := settings.Get()
	coordinator := notify.NewCoordinator(notify.Options{
		Notifier:   notifier,
		Thresholds: notify.Thresholds{Warning: st.Warning, Critical: st.Critical},
		Enabled:    st.NotificationsEnabled,
		Clock:      clock,
		Logger:     log.Named("notify"),
	})

	manager := auth.NewManager(auth.Options{
		Store: store,
		OAuth: auth.OAuthConfig{
			ClientID:     cfg.OAuth.ClientID,
			AuthorizeURL: cfg.OAuth.AuthorizeURL,
			TokenURL:     cfg.OAuth.TokenURL,
			RedirectURI:  cfg.OAuth.RedirectURI,
			Scopes:       cfg.OAuth.Scopes,
		},
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout()},
		Clock:      clock,
		Logger:     log.Named("auth"),
		OnRefreshFailed: func(err error) {
			coordinator.NotifyTokenRefreshFailed(context.Background(), err)
		},
	})

	fetcher := usage.NewFetcher(usage.Options{
		Endpoint: cfg.API.UsageURL,
		Timeout:  cfg.RequestTimeout(),
		Tokens:   manager,
		Clock:    clock,
		Logger:   log.Named("usage"),
	})

	var persister history.Persister
	if cfg.History.Driver == "sqlite" {
		p, err := history.NewSQLitePersister(cfg.History.Path)
		if err != nil {
			return fail(fmt.Errorf("open history database: %w", err))
		}
		persister = p
	}
	ledger := history.NewLedger(history.Options{
		Capacity:  cfg.History.Capacity,
		Clock:     clock,
		Persister: persister,
		Logger:    log.Named("history"),
	})
	if err := ledger.Restore(ctx); err != nil {
		log.Warn("restore history failed", zap.Error(err))
	}

	svc := New(Deps{
		Auth:        manager,
		Fetcher:     fetcher,
		Ledger:      ledger,
		Coordinator: coordinator,
		Settings:    settings,
		Clock:       clock,
		Logger:      log,
	})
	svc.closers = closers
	return svc, nil
}

func buildCredentialStore(cfg config.Config) (*auth.Store, func() error, error) {
	source, err := auth.ParseSource(cfg.Credentials.Source)
	if err != nil {
		return nil, nil, err
	}
	if source == auth.SourceExternal {
		return auth.NewExternalStore(cfg.Credentials.ExternalPath), nil, nil
	}

	passphrase := cfg.Secrets.Passphrase
	if passphrase == "" {
		passphrase, err = secrets.LoadOrCreateKey(filepath.Join(config.HomeDir(), "secret.key"))
		if err != nil {
			return nil, nil, fmt.Errorf("load secret key: %w", err)
		}
	}
	sealer := secrets.NewPassphraseSealer(passphrase)

	switch cfg.Secrets.Driver {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Secrets.Redis.Addr,
			Password: cfg.Secrets.Redis.Password,
			DB:       cfg.Secrets.Redis.DB,
		})
		store := secrets.NewRedisStore(client, sealer, secrets.WithKeyPrefix(cfg.Secrets.Redis.Prefix))
		return auth.NewLocalStore(store), client.Close, nil
	default:
		store, err := secrets.NewFileStore(cfg.Secrets.Dir, sealer)
		if err != nil {
			return nil, nil, fmt.Errorf("open secret store: %w", err)
		}
		return auth.NewLocalStore(store), nil, nil
	}
}

// buildNotifier always logs notifications. A configured command runs on a
// background queue so it cannot stall fetches.
func buildNotifier(cfg config.Config, log *zap.Logger) (notify.Notifier, func() error) {
	notifiers := notify.Multi{notify.LogNotifier{Logger: log.Named("notification")}}
	if cfg.Notifications.Command == "" {
		return notifiers, nil
	}
	cmd, err := notify.ParseCommand(cfg.Notifications.Command)
	if err != nil {
		log.Warn("ignoring notification command", zap.Error(err))
		return notifiers, nil
	}
	async := notify.NewAsync(cmd, 0, log.Named("notification"))
	return append(notifiers, async), async.Close
}
