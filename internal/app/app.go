// Package app assembles the simulator from configuration: the local store,
// the case catalog, sessions, the sync engine, the narrator and the HTTP
// bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/abhisek/medsim/internal/api"
	"github.com/abhisek/medsim/internal/auth"
	"github.com/abhisek/medsim/internal/catalog"
	"github.com/abhisek/medsim/internal/config"
	"github.com/abhisek/medsim/internal/diagnostics"
	"github.com/abhisek/medsim/internal/llm"
	"github.com/abhisek/medsim/internal/narrator"
	"github.com/abhisek/medsim/internal/remote"
	"github.com/abhisek/medsim/internal/session"
	"github.com/abhisek/medsim/internal/statemachine"
	"github.com/abhisek/medsim/internal/store"
	"github.com/abhisek/medsim/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

// Options overrides collaborators that New would otherwise build from
// configuration.
type Options struct {
	LLMProvider llm.Provider
	Remote      remote.DocumentStore
	Feed        remote.ChangeFeed
	Random      statemachine.RandomSource
}

// App holds the wired simulator.
type App struct {
	Config      *config.Config
	Log         zerolog.Logger
	Store       *store.Store
	Catalog     *catalog.Catalog
	Sessions    *session.Manager
	Diagnostics *diagnostics.Orchestrator
	Sync        *syncer.Engine
	Narrator    *narrator.Narrator

	// Provider is nil when no model is configured.
	Provider llm.Provider

	remote     remote.DocumentStore
	feed       remote.ChangeFeed
	seedRemote bool
}

// New opens the local store and wires every component. A remote that
// cannot be reached does not fail New: the app runs offline and pending
// pushes are retried on a later start.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (*App, error) {
	dbPath := cfg.DBPath
	if dbPath == "" {
		p, err := store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve DB path: %w", err)
		}
		dbPath = p
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{Config: cfg, Log: log, Store: st}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.remote = opts.Remote
	if a.remote == nil {
		driver := remote.Driver(cfg.Remote.Driver)
		docs, err := remote.NewStore(ctx, driver, cfg.RemoteOptions()...)
		switch {
		case remote.IsTransport(err):
			a.Log.Warn().Err(err).Str("driver", string(driver)).Msg("remote unavailable, running offline")
			docs = remote.Offline(driver, err)
		case err != nil:
			return fmt.Errorf("remote store: %w", err)
		}
		a.remote = docs
		// A memory remote starts empty on every run.
		a.seedRemote = driver == remote.DriverMemory || driver == ""
	}

	a.feed = opts.Feed
	if a.feed == nil {
		feed, err := remote.NewFeed(remote.FeedType(cfg.Feed.Type), cfg.RemoteOptions()...)
		if err != nil {
			return fmt.Errorf("change feed: %w", err)
		}
		a.feed = feed
	}

	a.Catalog = catalog.New(a.Store.CaseRepo())
	a.Sessions = session.NewManager(a.Store.SessionRepo(), a.Catalog,
		session.WithMachine(statemachine.New(opts.Random)),
		session.WithLogger(a.Log.With().Str("component", "sessions").Logger()),
	)

	syncOpts := []syncer.Option{
		syncer.WithDeviceID(cfg.DeviceID),
		syncer.WithLogger(a.Log.With().Str("component", "sync").Logger()),
		syncer.WithParseWorkers(cfg.Sync.ParseWorkers),
		syncer.WithPushTimeout(cfg.Sync.PushTimeout),
	}
	if a.feed != nil {
		syncOpts = append(syncOpts, syncer.WithFeed(a.feed))
	}
	a.Sync = syncer.New(syncer.Deps{
		Remote:   a.remote,
		Cases:    a.Store.CaseRepo(),
		Sessions: a.Store.SessionRepo(),
		Catalog:  a.Catalog,
		Merger:   a.Sessions,
	}, syncOpts...)
	a.Sessions.SetSync(a.Sync, a.Sync)

	a.Diagnostics = diagnostics.New(a.Sessions)

	a.Provider = opts.LLMProvider
	if a.Provider == nil {
		a.Provider = a.buildProvider(ctx)
	}
	a.Narrator = narrator.New(a.Provider, a.narratorConfig(), a.Log.With().Str("component", "narrator").Logger())
	return nil
}

func (a *App) buildProvider(ctx context.Context) llm.Provider {
	lc, ok := llm.Discover(a.Config.LLMConfig())
	if !ok {
		a.Log.Info().Msg("no LLM provider configured, narrator will use canned replies")
		return nil
	}
	p, err := llm.NewProvider(ctx, lc, a.Store.EventRepo(), a.Log.With().Str("component", "llm").Logger())
	if err != nil {
		a.Log.Warn().Err(err).Str("provider", lc.Provider).Msg("LLM provider unavailable, narrator will use canned replies")
		return nil
	}
	a.Log.Info().Str("provider", lc.Provider).Msg("LLM provider ready")
	return p
}

func (a *App) narratorConfig() narrator.Config {
	nc := narrator.DefaultConfig()
	if a.Config.Narrator.Language != "" {
		nc.DefaultLanguage = a.Config.Narrator.Language
	}
	if a.Config.Narrator.MaxTokens > 0 {
		nc.MaxTokens = a.Config.Narrator.MaxTokens
	}
	if a.Config.Narrator.Temperature > 0 {
		nc.Temperature = a.Config.Narrator.Temperature
	}
	return nc
}

// Start refreshes the local catalog and, when configured, re-queues
// sessions whose last push did not succeed.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.SyncCatalog(ctx); err != nil {
		return err
	}

	if a.Config.Sync.RetryOnStart {
		n, err := a.Sync.RetryPending(ctx)
		if err != nil {
			return fmt.Errorf("retry pending pushes: %w", err)
		}
		if n > 0 {
			a.Log.Info().Int("sessions", n).Msg("re-queued pending pushes")
		}
	}
	return nil
}

// SyncCatalog pulls the case catalog into the local store. A memory remote
// is seeded with the bundled cases first, at a fixed marker so repeated
// syncs of the same catalog report no updates.
func (a *App) SyncCatalog(ctx context.Context) (syncer.CatalogResult, error) {
	if a.seedRemote {
		if _, err := a.Sync.SeedBundled(ctx); err != nil {
			return syncer.CatalogResult{}, fmt.Errorf("seed memory remote: %w", err)
		}
	}
	res, err := a.Sync.SyncCatalogFromRemote(ctx)
	if err != nil {
		return res, fmt.Errorf("sync catalog: %w", err)
	}
	return res, nil
}

// Handler builds the HTTP bridge. The configuration must carry a JWT
// secret.
func (a *App) Handler() (http.Handler, error) {
	if err := a.Config.ValidateServer(); err != nil {
		return nil, err
	}
	v, err := auth.NewVerifier(a.Config.HTTP.JWTSecret, auth.WithIssuer(a.Config.HTTP.JWTIssuer))
	if err != nil {
		return nil, err
	}
	return api.New(api.Deps{
		Sessions: a.Sessions,
		Cases:    a.Catalog,
		Orderer:  a.Diagnostics,
		Narrator: a.Narrator,
		Sync:     a.Sync,
		Identity: v,
	}, api.Options{CORSOrigins: a.Config.HTTP.CORSOrigins}, a.Log.With().Str("component", "api").Logger()), nil
}

// Serve runs the HTTP bridge on the configured address until ctx is done,
// then shuts it down gracefully.
func (a *App) Serve(ctx context.Context) error {
	h, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info().Str("addr", srv.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.Log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close stops background sync and releases every connection. In-flight
// pushes are cancelled; their sessions stay unpushed locally and are
// retried on a later start.
func (a *App) Close() error {
	var errs []error
	if a.Sync != nil {
		a.Sync.Close()
	}
	if a.feed != nil {
		errs = append(errs, a.feed.Close())
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
