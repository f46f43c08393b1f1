// Package app wires configuration, storage, the mailbox connector and the
// scoring capabilities into a runnable triage application.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/phish-triage/internal/credential"
	"github.com/nhle/phish-triage/internal/intel"
	"github.com/nhle/phish-triage/internal/mailbox"
	"github.com/nhle/phish-triage/internal/metrics"
	"github.com/nhle/phish-triage/internal/model"
	"github.com/nhle/phish-triage/internal/pipeline"
	"github.com/nhle/phish-triage/internal/scoring"
	"github.com/nhle/phish-triage/internal/store"
	appsync "github.com/nhle/phish-triage/internal/sync"
)

// Secrets resolves credentials that are not set in the configuration.
// *credential.Store implements it.
type Secrets interface {
	Lookup(key string) (string, error)
}

// App owns the long-lived components of one process.
type App struct {
	cfg     *model.AppConfig
	log     *zap.Logger
	store   *store.SQLStore
	metrics *metrics.Metrics
	runner  *pipeline.Runner
}

// New opens the store and builds the pipeline. secrets may be nil.
func New(ctx context.Context, cfg *model.AppConfig, log *zap.Logger, secrets Secrets) (*App, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a, err := newWithStore(cfg, log, secrets, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func newWithStore(cfg *model.AppConfig, log *zap.Logger, secrets Secrets, st *store.SQLStore) (*App, error) {
	password, err := secret(cfg.Mailbox.Password, credential.MailboxPasswordKey, secrets)
	if err != nil {
		return nil, err
	}

	caps, err := BuildCapabilities(cfg, secrets, log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	runner := pipeline.NewRunner(
		mailbox.NewIMAPConnector(cfg.Mailbox, password),
		st,
		scoring.NewEngine(cfg.Scoring, caps),
		pipeline.Options{
			Folder:         cfg.Mailbox.Folder,
			BatchSize:      cfg.Verify.BatchSize,
			ConnectRetries: cfg.Mailbox.ConnectRetries,
			RetryDelay:     cfg.Mailbox.RetryDelay,
		},
		log,
		m,
	)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		metrics: m,
		runner:  runner,
	}, nil
}

// BuildCapabilities constructs the external lookups enabled by cfg.
// Anything not configured is reported unavailable when scoring.
func BuildCapabilities(cfg *model.AppConfig, secrets Secrets, log *zap.Logger) (scoring.Capabilities, error) {
	var caps scoring.Capabilities

	if len(cfg.Scoring.Blacklist) > 0 {
		bl := intel.NewStaticBlacklist(cfg.Scoring.Blacklist)
		caps.Blacklist = bl
		log.Debug("blacklist loaded", zap.Int("entries", bl.Len()))
	}

	if cfg.Intel.WhoisEnabled {
		w, err := intel.NewWhois(cfg.Intel.WhoisTimeout, cfg.Intel.WhoisCacheSize)
		if err != nil {
			return caps, err
		}
		caps.DomainIntel = w
		caps.Geo = w
	}

	vtKey, err := secret(cfg.Intel.VirusTotalKey, credential.VirusTotalKey, secrets)
	if err != nil {
		return caps, err
	}
	if vtKey != "" {
		caps.Reputation = intel.NewVirusTotal(
			cfg.Intel.VirusTotalURL,
			vtKey,
			cfg.Intel.Timeout,
			cfg.Intel.RequestsPerMinute,
		)
	} else {
		log.Info("no VirusTotal key configured, reputation check disabled")
	}

	return caps, nil
}

func secret(configured, key string, secrets Secrets) (string, error) {
	if configured != "" || secrets == nil {
		return configured, nil
	}
	v, err := secrets.Lookup(key)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}

func (a *App) Store() store.Store        { return a.store }
func (a *App) Runner() *pipeline.Runner  { return a.runner }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Config() *model.AppConfig  { return a.cfg }

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// Watch runs the pipeline on the configured schedule and serves metrics
// until ctx is cancelled. The first run starts immediately.
func (a *App) Watch(ctx context.Context) error {
	poller, err := appsync.New(a.runner.Run, a.cfg.Watch.Schedule, 0, a.log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Watch.MetricsAddr,
		Handler:           a.router(poller),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	if srv.Addr != "" {
		go func() {
			a.log.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	poller.Start(ctx)
	poller.Trigger()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		err = fmt.Errorf("metrics server: %w", err)
	}

	poller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.Warn("shutting down metrics server", zap.Error(shutdownErr))
	}
	return err
}
