package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"review-notifier/config"
	"review-notifier/metrics"
	"review-notifier/notify"
	"review-notifier/ozon"
	"review-notifier/poll"
	"review-notifier/sheets"
	"review-notifier/storage"
)

// app is the wired set of components shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   poll.Store
	metrics *metrics.Metrics
	monitor *poll.Monitor
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

// setup loads configuration with load and builds the logger. Failures set the setup exit code.
func setup(load func(path string) (*config.Config, error)) (*config.Config, *slog.Logger, error) {
	logger, err := newLogger(flagLogLevel)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := load(flagConfig)
	if err != nil {
		exitCode = ExitSetupError
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

// newApp wires every component. withMonitor is false for commands that only read snapshots.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withMonitor bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	if !withMonitor {
		return a, nil
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeout)}

	sender, err := newSender(ctx, cfg, httpClient, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	sheetsService, err := sheets.NewService(ctx, googleOptions(cfg)...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	fetcher := ozon.New(httpClient, cfg.ReviewAPI.BaseURL, cfg.ReviewAPI.PageLimit, cfg.ReviewAPI.MaxPages, logger)

	a.monitor = poll.New(
		fetcher,
		sheets.New(sheetsService, logger),
		store,
		sender,
		buildGroups(cfg),
		cfg.Location(),
		time.Duration(cfg.HTTPTimeout),
		a.metrics,
		logger,
	)
	return a, nil
}

func googleOptions(cfg *config.Config) []option.ClientOption {
	switch {
	case cfg.Google.CredentialsJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.Google.CredentialsJSON))}
	case cfg.Google.CredentialsFile != "":
		return []option.ClientOption{option.WithCredentialsFile(cfg.Google.CredentialsFile)}
	default:
		// Application Default Credentials
		return nil
	}
}

// newStore returns the configured snapshot backend and an optional closer.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (poll.Store, func() error, error) {
	switch cfg.Storage.Backend {
	case config.BackendLocal:
		logger.Info("Using local snapshot storage", "storage_path", cfg.Storage.LocalPath)
		if err := ensureDir(cfg.Storage.LocalPath); err != nil {
			return nil, nil, err
		}
		return storage.New(nil, "", cfg.Storage.LocalPath, logger), nil, nil

	case config.BackendGCS:
		client, err := gcs.NewClient(ctx, googleOptions(cfg)...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage for snapshots", "bucket", cfg.Storage.Bucket)
		return storage.New(client, cfg.Storage.Bucket, "", logger), client.Close, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.HTTPTimeout))
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Storage.Redis.Addr, err)
		}
		logger.Info("Using Redis for snapshots", "addr", cfg.Storage.Redis.Addr, "prefix", cfg.Storage.Redis.Prefix)
		return storage.NewRedis(rdb, cfg.Storage.Redis.Prefix, time.Duration(cfg.Storage.Redis.TTL), logger), rdb.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// newSender builds the team and admin channels for the configured provider.
func newSender(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (*notify.Sender, error) {
	switch cfg.Notify.Provider {
	case config.ProviderTelegram:
		tg := cfg.Notify.Telegram
		team := notify.NewTelegramProvider(httpClient, tg.APIURL, tg.BotToken, tg.Team.ChatID, tg.Team.TopicID, logger)
		admin := notify.NewTelegramProvider(httpClient, tg.APIURL, tg.BotToken, tg.Admin.ChatID, tg.Admin.TopicID, logger)
		return notify.New(team, admin, logger), nil

	case config.ProviderGmail:
		opts := append([]option.ClientOption{option.WithScopes(gmail.GmailSendScope)}, googleOptions(cfg)...)
		service, err := gmail.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		team := notify.NewGmailProvider(service, cfg.Notify.Gmail.TeamTo, logger)
		admin := notify.NewGmailProvider(service, cfg.Notify.Gmail.AdminTo, logger)
		return notify.New(team, admin, logger), nil

	case config.ProviderMock:
		logger.Info("Mock notification mode enabled")
		return notify.New(notify.NewMockProvider("team", logger), notify.NewMockProvider("admin", logger), logger), nil
	}
	return nil, errors.New("unknown notify provider " + cfg.Notify.Provider)
}

// buildGroups maps configured groups onto the monitor's model.
func buildGroups(cfg *config.Config) []poll.Group {
	groups := make([]poll.Group, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		ref := g.Reference
		pg := poll.Group{
			Name: g.Name,
			Source: sheets.Source{
				Group:              g.Name,
				NamesSpreadsheetID: ref.NamesSpreadsheetID,
				NamesWorksheet:     ref.NamesWorksheet,
				NameIDColumn:       ref.NameIDColumn,
				NameColumn:         ref.NameColumn,
				SalesSpreadsheetID: ref.SalesSpreadsheetID,
				SalesWorksheet:     ref.SalesWorksheet,
				SalesIDColumn:      ref.SalesIDColumn,
				QuantityColumn:     ref.QuantityColumn,
				Threshold:          cfg.ActiveThreshold,
			},
		}
		for _, p := range g.Projects {
			pg.Projects = append(pg.Projects, poll.Project{
				Name:        p.Name,
				Credentials: ozon.Credentials{ClientID: p.ClientID, APIKey: p.APIKey},
			})
		}
		groups = append(groups, pg)
	}
	return groups
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create local storage directory: %w", err)
	}
	return nil
}
