package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"gamedaylive/config"
	"gamedaylive/email"
	"gamedaylive/lifecycle"
	"gamedaylive/nhl"
	"gamedaylive/reddit"
	"gamedaylive/registry"
	"gamedaylive/retrypolicy"
	"gamedaylive/scheduler"
	"gamedaylive/settings"
	"gamedaylive/storage"
)

// app holds the wired service.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	kv           storage.KV
	queue        *scheduler.Queue
	dispatcher   *scheduler.Dispatcher
	settings     *settings.Store
	orchestrator *lifecycle.Orchestrator
	closers      []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	kv, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.kv = kv

	host, modNotifier := a.contentHost(ctx)

	provider, err := a.mailProvider(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	operator := email.New(provider, logger, cfg.Email.Operator, cfg.BaseURL)

	a.settings = settings.New(kv, logger).WithAllowed(cfg.AllowedCommunities)
	a.queue = scheduler.NewQueue(kv, logger)
	a.dispatcher = scheduler.NewDispatcher(a.queue, cfg.Scheduler.Workers, logger)

	a.orchestrator = lifecycle.New(lifecycle.Deps{
		Data:      nhl.New(&http.Client{Timeout: cfg.NHL.Timeout}, cfg.NHL.BaseURL, logger),
		Host:      host,
		Jobs:      a.queue,
		Configs:   a.settings,
		Registry:  registry.New(kv, cfg.Lifecycle.RecordTTL, logger),
		Retry:     retrypolicy.New(kv, cfg.RetrySettings(), logger),
		Notifiers: []lifecycle.Notifier{operator, modNotifier},
		Logger:    logger,
	}, cfg.LifecycleSettings())
	a.orchestrator.Register(a.dispatcher)

	return a, nil
}

// Close releases the store and any clients.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context) (storage.KV, error) {
	sc := a.cfg.Storage
	if sc.Bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("Using Cloud Storage", "bucket", sc.Bucket, "prefix", sc.Prefix)
		return storage.NewGCS(client, sc.Bucket, sc.Prefix, a.logger), nil
	}

	a.logger.Info("No storage bucket set, using local SQLite", "path", sc.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, sc.SQLitePath, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) contentHost(ctx context.Context) (lifecycle.ContentHost, lifecycle.Notifier) {
	rc := a.cfg.Reddit
	if rc.Mock() {
		a.logger.Info("Mock content host enabled (no Reddit credentials)")
		mock := reddit.NewMockHost(rc.Username, a.logger)
		return mock, mock
	}
	client := reddit.New(ctx, reddit.Config{
		HTTPClient:   &http.Client{Timeout: rc.Timeout},
		ClientID:     rc.ClientID,
		ClientSecret: rc.ClientSecret,
		Username:     rc.Username,
		Password:     rc.Password,
		UserAgent:    rc.UserAgent,
		BaseURL:      rc.BaseURL,
		TokenURL:     rc.TokenURL,
	}, a.logger)
	return client, reddit.NewModmail(client)
}

func (a *app) mailProvider(ctx context.Context) (email.Provider, error) {
	ec := a.cfg.Email
	switch ec.ResolvedProvider() {
	case "brevo":
		return email.NewBrevoProvider(ec.BrevoAPIKey, ec.FromAddress, ec.FromName, a.logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, ec.GoogleCredentials)
		if err != nil {
			if ec.Provider == "gmail" {
				return nil, fmt.Errorf("failed to initialize Gmail service: %w", err)
			}
			a.logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			return email.NewMockProvider(a.logger), nil
		}
		return email.NewGmailProvider(svc, a.logger), nil
	default:
		a.logger.Info("Mock email mode enabled (no mail credentials)")
		return email.NewMockProvider(a.logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("google credentials required when not running in Cloud Run")
}
