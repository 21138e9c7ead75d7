// Package app wires configuration into running services and exposes the
// operations the CLI invokes. It owns every long-lived resource: the cache,
// the index writer, the embedding dispatcher, the fetch clients, the progress
// hub, and the optional status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/api"
	"github.com/kidsearch/crawler/internal/cache"
	"github.com/kidsearch/crawler/internal/clock"
	"github.com/kidsearch/crawler/internal/config"
	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/embed"
	"github.com/kidsearch/crawler/internal/extract"
	"github.com/kidsearch/crawler/internal/fetcher"
	collyfetcher "github.com/kidsearch/crawler/internal/fetcher/colly"
	"github.com/kidsearch/crawler/internal/fetcher/detector"
	headlessfetcher "github.com/kidsearch/crawler/internal/fetcher/headless"
	"github.com/kidsearch/crawler/internal/hash"
	"github.com/kidsearch/crawler/internal/id"
	"github.com/kidsearch/crawler/internal/index"
	"github.com/kidsearch/crawler/internal/metrics"
	"github.com/kidsearch/crawler/internal/progress"
	progresssinks "github.com/kidsearch/crawler/internal/progress/sinks"
	"github.com/kidsearch/crawler/internal/publisher"
	"github.com/kidsearch/crawler/internal/source"
	"github.com/kidsearch/crawler/internal/state"
	"github.com/kidsearch/crawler/internal/storage"
)

const (
	statusShutdownTimeout = 10 * time.Second
	embedDrainTimeout     = 2 * time.Minute
	sessionPersistTimeout = 10 * time.Second
)

// App holds the application's shared services. Build it once at startup with
// New and release everything with Close.
type App struct {
	cfg config.Config
	log *zap.Logger

	cache         cache.Store
	indexer       index.Writer
	writer        *index.Deduper
	states        *state.Store
	embedProvider embed.Provider
	dispatcher    *embed.Dispatcher
	archive       crawler.BlobStore
	pub           crawler.Publisher
	adapters      crawler.AdapterFactory
	hub           *progress.Hub
	board         *crawler.StatusBoard
	browser       *headlessfetcher.Fetcher

	statusOnce sync.Once
	statusSrv  *http.Server

	hasher crawler.Hasher
	ids    crawler.IDGenerator
	clock  crawler.Clock
}

// RunOptions adjust one crawl invocation relative to the loaded config.
type RunOptions struct {
	// Force reprocesses pages even when their fingerprint is unchanged.
	Force bool
	// Workers overrides the configured worker count when positive.
	Workers int
	// Embeddings gates embedding dispatch for this run. It has no effect
	// when embeddings are disabled in config.
	Embeddings bool
}

// StatsReport bundles cache contents and recent run history for the CLI.
type StatsReport struct {
	Cache    []crawler.CacheStats
	Sessions []crawler.SessionSummary
}

// New builds every configured service, failing fast on the first one that
// cannot initialize. The status server, when enabled, starts with the first
// crawl run rather than here, so cache commands never bind its port.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:    cfg,
		log:    logger,
		board:  crawler.NewStatusBoard(),
		hasher: hash.NewSHA256(),
		ids:    id.NewUUID(),
		clock:  clock.NewSystem(),
	}

	var err error
	if a.cache, err = cache.Open(ctx, cfg.Cache, logger.Named("cache")); err != nil {
		return nil, fmt.Errorf("cache init failed: %w", err)
	}
	if a.indexer, err = index.Open(cfg.Index, logger.Named("index")); err != nil {
		return nil, fmt.Errorf("index init failed: %w", err)
	}
	if err = a.indexer.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("index bootstrap failed: %w", err)
	}
	a.writer = index.NewDeduper(a.indexer, logger.Named("index"))

	if a.states, err = state.New(cfg.State, logger.Named("state")); err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}

	if err = a.setupEmbeddings(ctx); err != nil {
		return nil, err
	}
	if err = a.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	a.setupFetchers()
	if err = a.setupProgress(); err != nil {
		return nil, err
	}

	a.log.Info("application services initialized",
		zap.String("cache", cfg.Cache.Provider),
		zap.String("index", cfg.Index.Provider),
		zap.Bool("embeddings", a.dispatcher != nil),
		zap.Bool("archive", a.archive != nil),
		zap.Bool("publisher", a.pub != nil),
		zap.Bool("headless", a.browser != nil))
	return a, nil
}

func (a *App) setupEmbeddings(ctx context.Context) error {
	if !a.cfg.Embeddings.Enabled {
		a.log.Info("embeddings disabled")
		return nil
	}
	provider, err := embed.NewProvider(ctx, a.cfg.Embeddings.Config, a.log.Named("embed"))
	if err != nil {
		return fmt.Errorf("embedding provider init failed: %w", err)
	}
	if dims := provider.Dimension(); dims != a.cfg.Index.VectorDims && a.cfg.Index.VectorDims > 0 {
		a.log.Warn("embedding dimension does not match the index vector mapping",
			zap.Int("provider", dims),
			zap.Int("index", a.cfg.Index.VectorDims))
	}
	dispatcher, err := embed.NewDispatcher(provider, a.writer, a.cache, a.cfg.Embeddings.Config, a.log.Named("embed"))
	if err != nil {
		return fmt.Errorf("embedding dispatcher init failed: %w", err)
	}
	a.embedProvider = provider
	a.dispatcher = dispatcher
	a.log.Info("embedding dispatcher enabled",
		zap.String("model", a.cfg.Embeddings.Model),
		zap.Int("batch_size", a.cfg.Embeddings.BatchSize))
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	if !a.cfg.Archive.Enabled {
		return nil
	}
	blob, err := storage.Open(ctx, a.cfg.Archive, a.log.Named("archive"))
	if err != nil {
		return fmt.Errorf("archive init failed: %w", err)
	}
	a.archive = blob
	a.log.Info("raw page archive enabled", zap.String("provider", a.cfg.Archive.Provider))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.Publisher.Enabled {
		return nil
	}
	pub, err := publisher.Open(ctx, a.cfg.Publisher, a.log.Named("publisher"))
	if err != nil {
		return fmt.Errorf("publisher init failed: %w", err)
	}
	a.pub = pub
	a.log.Info("indexed-document publisher enabled",
		zap.String("provider", a.cfg.Publisher.Provider),
		zap.String("topic", a.cfg.Publisher.Topic))
	return nil
}

// setupFetchers builds the fetch pipeline: colly for plain requests, an
// optional headless browser for challenge-protected hosts, a router that
// promotes hosts between them, and a retry wrapper for transient failures.
func (a *App) setupFetchers() {
	standard := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Crawler.UserAgent,
		Timeout:      a.cfg.HTTP.Timeout,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	})

	var browser crawler.Fetcher
	if a.cfg.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel: a.cfg.Headless.MaxParallel,
			UserAgent:   a.cfg.Crawler.UserAgent,
			NavTimeout:  a.cfg.Headless.NavTimeout,
			SettleDelay: a.cfg.Headless.SettleDelay,
		})
		if err != nil {
			a.log.Warn("headless fetcher init failed, continuing without browser", zap.Error(err))
		} else {
			a.browser = chrome
			browser = chrome
			a.log.Info("headless fetcher enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	router := fetcher.NewRouter(standard, browser, detector.NewHeuristic(0),
		a.cfg.Crawler.ChallengeHosts, a.log.Named("fetch"))
	retrying := crawler.NewRetryingFetcher(router,
		crawler.NewExponentialRetryPolicy(a.cfg.HTTP.MaxRetries), a.log.Named("fetch"))

	a.adapters = source.Factory(source.Deps{
		Fetcher:   retrying,
		Extractor: extract.New(a.log.Named("extract")),
		Hasher:    a.hasher,
		Clock:     a.clock,
		Logger:    a.log.Named("source"),
	})
}

func (a *App) setupProgress() error {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.log.Named("progress_log")),
		progresssinks.NewSessionSink(a.cache, a.log.Named("progress_session")),
	}
	if a.cfg.Status.Enabled {
		prom, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, prom)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.log.Named("progress_hub")}, sinkList...)
	return nil
}

// ensureStatusServer starts the status server once, on the first crawl run.
func (a *App) ensureStatusServer() {
	if !a.cfg.Status.Enabled {
		return
	}
	a.statusOnce.Do(func() {
		srv := api.NewServer(a.board, a.clock, a.log.Named("api"))
		a.statusSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Status.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.Info("status server started", zap.Int("port", a.cfg.Status.Port))
			if err := a.statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("status server error", zap.Error(err))
			}
		}()
	})
}

// RunAll crawls every valid configured site in order. An interrupt finishes
// the current site gracefully and skips the rest; per-site failures are
// logged and do not stop later sites. The returned error is non-nil only
// when no site run succeeded.
func (a *App) RunAll(ctx context.Context, opts RunOptions) ([]crawler.RunReport, error) {
	sites, err := a.cfg.ValidSites(a.log)
	if err != nil {
		return nil, err
	}

	a.ensureStatusServer()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One dedupe scope per sweep, so mirrored sites in the same sweep
	// produce a single upsert per canonical document.
	a.writer.Reset()

	reports := make([]crawler.RunReport, 0, len(sites))
	failures := 0
	for _, site := range sites {
		report, runErr := a.runSite(ctx, site, opts)
		reports = append(reports, report)
		if runErr != nil {
			failures++
			a.log.Error("site run failed", zap.String("site", site.Name), zap.Error(runErr))
		}
		if ctx.Err() != nil {
			if remaining := len(sites) - len(reports); remaining > 0 {
				a.log.Info("crawl interrupted, remaining sites skipped",
					zap.Int("remaining", remaining))
			}
			break
		}
	}
	if failures > 0 && failures == len(reports) {
		return reports, fmt.Errorf("all %d site runs failed", failures)
	}
	return reports, nil
}

// RunSite crawls one configured site by name.
func (a *App) RunSite(ctx context.Context, name string, opts RunOptions) (crawler.RunReport, error) {
	site, err := a.cfg.Site(name)
	if err != nil {
		return crawler.RunReport{}, err
	}

	a.ensureStatusServer()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.writer.Reset()
	return a.runSite(ctx, site, opts)
}

func (a *App) runSite(ctx context.Context, site crawler.SiteConfig, opts RunOptions) (crawler.RunReport, error) {
	// The robots gate caches per host for one run; site delay feeds its
	// pacing, so each site gets a fresh gate.
	gate := crawler.NewRobotsGate(a.cfg.Crawler.UserAgent, site.Delay,
		a.cfg.Crawler.DefaultDelay, a.log.Named("robots"))

	deps := crawler.Deps{
		Logger:    a.log,
		Gate:      gate,
		Cache:     a.cache,
		Writer:    a.writer,
		States:    a.states,
		Hasher:    a.hasher,
		IDs:       a.ids,
		Clock:     a.clock,
		Adapters:  a.adapters,
		Archive:   a.archive,
		Publisher: a.pub,
		Emitter:   a.hub,
		Board:     a.board,
	}
	if a.dispatcher != nil {
		deps.Embedder = a.dispatcher
	}

	sched, err := crawler.NewScheduler(deps, a.schedulerOptions(opts))
	if err != nil {
		return crawler.RunReport{}, fmt.Errorf("scheduler init failed: %w", err)
	}

	report, runErr := sched.Run(ctx, site)
	deferred := a.drainEmbeddings(ctx, site.Name)
	a.recordSession(ctx, report, deferred)
	return report, runErr
}

func (a *App) schedulerOptions(opts RunOptions) crawler.Options {
	workers := a.cfg.Crawler.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	return crawler.Options{
		Workers:            workers,
		CheckpointPages:    a.cfg.Crawler.CheckpointPages,
		CheckpointInterval: a.cfg.Crawler.CheckpointInterval,
		FailureRatio:       a.cfg.Crawler.FailureRatio,
		StopGrace:          a.cfg.Crawler.StopGrace,
		HostFailureLimit:   a.cfg.Crawler.HostFailureLimit,
		HostCooldown:       a.cfg.Crawler.HostCooldown,
		PublishTopic:       a.cfg.Publisher.Topic,
		Force:              opts.Force,
		Embeddings:         opts.Embeddings && a.dispatcher != nil,
	}
}

// drainEmbeddings flushes the dispatcher after one site run and returns the
// deferred count for the session row. The drain survives a canceled run
// context; pending vectors belong to documents that are already indexed.
func (a *App) drainEmbeddings(ctx context.Context, site string) int {
	if a.dispatcher == nil {
		return 0
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), embedDrainTimeout)
	defer cancel()
	embedded, deferred, err := a.dispatcher.Drain(drainCtx)
	if err != nil {
		a.log.Warn("embedding drain failed", zap.String("site", site), zap.Error(err))
		return 0
	}
	if embedded > 0 || deferred > 0 {
		a.log.Info("embedding sweep finished",
			zap.String("site", site),
			zap.Int("embedded", embedded),
			zap.Int("deferred", deferred))
	}
	return deferred
}

func (a *App) recordSession(ctx context.Context, report crawler.RunReport, deferred int) {
	if report.RunID == "" {
		return
	}
	summary := crawler.SessionSummary{
		Site:        report.Site,
		RunID:       report.RunID,
		Started:     report.Started,
		Finished:    report.Finished,
		Termination: report.Termination,
		Processed:   report.Processed,
		Indexed:     report.Indexed,
		Skipped:     report.Skipped,
		Failed:      report.Failed,
		Deferred:    deferred,
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionPersistTimeout)
	defer cancel()
	if err := a.cache.FinishSession(pctx, summary); err != nil {
		a.log.Warn("record session failed",
			zap.String("site", report.Site),
			zap.String("run_id", report.RunID),
			zap.Error(err))
	}
}

// ClearCache drops cached fingerprints for one site, or for every site when
// all is set. Cleared pages reprocess fully on the next run.
func (a *App) ClearCache(ctx context.Context, site string, all bool) error {
	switch {
	case all:
		if err := a.cache.ClearAll(ctx); err != nil {
			return err
		}
		a.log.Info("cache cleared for all sites")
		return nil
	case site != "":
		if err := a.cache.Clear(ctx, site); err != nil {
			return err
		}
		a.log.Info("cache cleared", zap.String("site", site))
		return nil
	default:
		return errors.New("cache clear needs a site name or the full-wipe flag")
	}
}

// Stats reads cache contents and recent session history, optionally scoped
// to one site.
func (a *App) Stats(ctx context.Context, site string) (StatsReport, error) {
	stats, err := a.cache.Stats(ctx, site)
	if err != nil {
		return StatsReport{}, err
	}
	sessions, err := a.cache.Sessions(ctx, site)
	if err != nil {
		return StatsReport{}, err
	}
	return StatsReport{Cache: stats, Sessions: sessions}, nil
}

// Close releases services in dependency order: the status server stops
// serving reads, the dispatcher and hub flush their queues into the cache,
// then clients and the cache itself close.
func (a *App) Close(ctx context.Context) error {
	if a.statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, statusShutdownTimeout)
		if err := a.statusSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("status server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.log.Warn("embedding dispatcher close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.log.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if closer, ok := a.embedProvider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.log.Warn("embedding provider close failed", zap.Error(err))
		}
	}
	if closer, ok := a.pub.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.log.Warn("publisher close failed", zap.Error(err))
		}
	}
	if closer, ok := a.archive.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.log.Warn("archive close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("cache close failed", zap.Error(err))
		}
	}
	a.log.Info("shutdown complete")
	return nil
}
