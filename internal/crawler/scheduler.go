package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/metrics"
	"github.com/kidsearch/crawler/internal/progress"
)

const (
	defaultWorkers            = 4
	defaultCheckpointPages    = 25
	defaultCheckpointInterval = 30 * time.Second
	defaultFailureRatio       = 0.5
	defaultStopGrace          = 10 * time.Second
	defaultPublishTopic       = "indexed-documents"
	minFailureSample          = 5
	statePersistTimeout       = 10 * time.Second
)

// AdapterFactory builds the source adapter for one site.
type AdapterFactory func(site SiteConfig) (SourceAdapter, error)

// Deps bundles the collaborators a Scheduler needs. Embedder, Archive,
// Publisher, Emitter, and Board are optional; the rest are required.
type Deps struct {
	Logger    *zap.Logger
	Gate      RobotsPolicy
	Cache     ChangeCache
	Writer    IndexWriter
	States    StateStore
	Hasher    Hasher
	IDs       IDGenerator
	Clock     Clock
	Adapters  AdapterFactory
	Embedder  EmbeddingDispatcher
	Archive   BlobStore
	Publisher Publisher
	Emitter   progress.Emitter
	Board     *StatusBoard
}

// Options tune scheduler behavior for all runs it executes.
type Options struct {
	// Workers is the number of concurrent page workers per site run.
	Workers int
	// CheckpointPages forces a state save every N processed pages.
	CheckpointPages int
	// CheckpointInterval forces a state save after this much wall time.
	CheckpointInterval time.Duration
	// FailureRatio marks the run FAILED when failed/(failed+processed)
	// exceeds it with at least minFailureSample attempts.
	FailureRatio float64
	// StopGrace bounds how long in-flight pages may finish after a stop.
	StopGrace time.Duration
	// HostFailureLimit and HostCooldown configure per-host pausing.
	HostFailureLimit int
	HostCooldown     time.Duration
	// PublishTopic names the indexed-document event topic.
	PublishTopic string
	// Force reprocesses pages even when their fingerprint is unchanged.
	Force bool
	// Embeddings enables embedding dispatch for indexed documents.
	Embeddings bool
}

// Scheduler runs one site at a time: it populates the frontier, fans entries
// out to workers, enforces robots policy and page budgets, checkpoints
// resumable state, and reports how the run terminated.
type Scheduler struct {
	log      *zap.Logger
	gate     RobotsPolicy
	cache    ChangeCache
	writer   IndexWriter
	states   StateStore
	hasher   Hasher
	ids      IDGenerator
	clock    Clock
	adapters AdapterFactory
	embedder EmbeddingDispatcher
	archive  BlobStore
	pub      Publisher
	emitter  progress.Emitter
	board    *StatusBoard
	opts     Options
}

// NewScheduler validates deps and applies option defaults.
func NewScheduler(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Gate == nil {
		return nil, errors.New("robots policy is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("change cache is required")
	}
	if deps.Writer == nil {
		return nil, errors.New("index writer is required")
	}
	if deps.States == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Adapters == nil {
		return nil, errors.New("adapter factory is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.CheckpointPages <= 0 {
		opts.CheckpointPages = defaultCheckpointPages
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = defaultCheckpointInterval
	}
	if opts.FailureRatio <= 0 || opts.FailureRatio > 1 {
		opts.FailureRatio = defaultFailureRatio
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.PublishTopic == "" {
		opts.PublishTopic = defaultPublishTopic
	}
	return &Scheduler{
		log:      deps.Logger,
		gate:     deps.Gate,
		cache:    deps.Cache,
		writer:   deps.Writer,
		states:   deps.States,
		hasher:   deps.Hasher,
		ids:      deps.IDs,
		clock:    deps.Clock,
		adapters: deps.Adapters,
		embedder: deps.Embedder,
		archive:  deps.Archive,
		pub:      deps.Publisher,
		emitter:  deps.Emitter,
		board:    deps.Board,
		opts:     opts,
	}, nil
}

// runEnv is the per-run mutable state shared by the workers of one site.
type runEnv struct {
	site    SiteConfig
	runID   string
	adapter SourceAdapter
	filter  *PatternFilter

	frontier *frontier
	tracker  *visitTracker
	health   *hostHealth
	budget   *pageBudget
	status   *RunStatus

	processedBase int
	limitHit      atomic.Bool
	sinceSave     atomic.Int64
	saveKick      chan struct{}
}

// pageBudget reserves processed-page slots so the page limit is never
// overrun even with concurrent workers.
type pageBudget struct {
	limit int64
	used  atomic.Int64
}

func newPageBudget(limit int) *pageBudget {
	return &pageBudget{limit: int64(limit)}
}

func (b *pageBudget) reserve() bool {
	if b.limit <= 0 {
		b.used.Add(1)
		return true
	}
	for {
		cur := b.used.Load()
		if cur >= b.limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Run crawls one site until the frontier drains, the page limit is hit, the
// context is canceled, or failures dominate. Non-completed runs leave a
// resumable checkpoint behind; completed runs discard theirs.
func (s *Scheduler) Run(ctx context.Context, site SiteConfig) (RunReport, error) {
	runID, err := s.ids.NewID()
	if err != nil {
		return RunReport{}, fmt.Errorf("new run id: %w", err)
	}
	started := s.clock.Now()
	status := NewRunStatus(site.Name, runID, started)
	s.board.Register(status)

	report := RunReport{Site: site.Name, RunID: runID, Started: started}

	env := &runEnv{
		site:     site,
		runID:    runID,
		filter:   NewPatternFilter(site),
		status:   status,
		saveKick: make(chan struct{}, 1),
	}
	if err := s.prepare(ctx, env); err != nil {
		status.setState(RunStateFailed)
		report.Termination = TerminationFailed
		report.Finished = s.clock.Now()
		metrics.ObserveRun(string(TerminationFailed))
		return report, err
	}

	status.setState(RunStateRunning)
	s.emit(progress.Event{RunID: runID, TS: started, Stage: progress.StageRunStart, Site: site.Name})
	s.log.Info("crawl run starting",
		zap.String("site", site.Name),
		zap.String("run_id", runID),
		zap.String("type", string(site.Type)),
		zap.Int("workers", s.opts.Workers),
		zap.Int("frontier", env.frontier.Len()))

	// Task work survives a user stop for the grace period; persistence must
	// survive cancellation entirely.
	persistCtx := context.WithoutCancel(ctx)
	taskCtx, cancelTasks := context.WithCancel(persistCtx)
	defer cancelTasks()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, taskCtx, env)
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	monitorStop := make(chan struct{})
	var monitorWG sync.WaitGroup
	monitorWG.Add(1)
	go func() {
		defer monitorWG.Done()
		s.checkpointLoop(persistCtx, env, monitorStop)
	}()

	stopWatch := make(chan struct{})
	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		select {
		case <-ctx.Done():
			env.frontier.Close()
			timer := time.NewTimer(s.opts.StopGrace)
			defer timer.Stop()
			select {
			case <-workersDone:
			case <-timer.C:
				s.log.Warn("stop grace exceeded, canceling in-flight pages",
					zap.String("site", site.Name))
				cancelTasks()
			}
		case <-stopWatch:
		}
	}()

	<-workersDone
	close(stopWatch)
	watchWG.Wait()
	close(monitorStop)
	monitorWG.Wait()

	term := s.termination(ctx, env)
	status.setState(StateForTermination(term))

	finished := s.clock.Now()
	if term == TerminationCompleted {
		dctx, cancel := context.WithTimeout(persistCtx, statePersistTimeout)
		if err := s.states.Discard(dctx, site.Name); err != nil {
			s.log.Warn("discard crawl state failed", zap.String("site", site.Name), zap.Error(err))
		}
		cancel()
	} else {
		s.checkpoint(persistCtx, env, term)
	}

	metrics.ObserveRun(string(term))
	s.emit(progress.Event{
		RunID:       runID,
		TS:          finished,
		Stage:       progress.StageRunDone,
		Site:        site.Name,
		Termination: string(term),
		Dur:         finished.Sub(started),
	})

	report = s.buildReport(env, term, started, finished)
	s.log.Info("crawl run finished",
		zap.String("site", site.Name),
		zap.String("run_id", runID),
		zap.String("termination", string(term)),
		zap.Int("processed", report.Processed),
		zap.Int("indexed", report.Indexed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("frontier_remaining", report.FrontierRemaining),
		zap.Duration("took", finished.Sub(started)))
	return report, nil
}

// prepare builds the adapter and populates the frontier, resuming from a
// prior checkpoint when one is resumable and force is off.
func (s *Scheduler) prepare(ctx context.Context, env *runEnv) error {
	site := env.site
	adapter, err := s.adapters(site)
	if err != nil {
		return fmt.Errorf("build adapter for %s: %w", site.Name, err)
	}
	env.adapter = adapter

	var seed []FrontierEntry
	var visited []string
	st, found, err := s.states.Load(ctx, site.Name)
	if err != nil {
		return fmt.Errorf("load crawl state for %s: %w", site.Name, err)
	}
	switch {
	case found && s.opts.Force:
		s.log.Info("force recrawl discards saved state", zap.String("site", site.Name))
		if err := s.states.Discard(ctx, site.Name); err != nil {
			s.log.Warn("discard crawl state failed", zap.String("site", site.Name), zap.Error(err))
		}
	case found && st.Termination.Resumable() && len(st.Frontier) > 0:
		seed = st.Frontier
		visited = st.Visited
		env.processedBase = st.Processed
		s.log.Info("resuming crawl",
			zap.String("site", site.Name),
			zap.String("termination", string(st.Termination)),
			zap.Int("frontier", len(seed)),
			zap.Int("visited", len(visited)),
			zap.Int("processed", st.Processed))
	}

	if len(seed) == 0 {
		entries, err := adapter.Discover(ctx)
		if err != nil {
			return fmt.Errorf("discover %s: %w", site.Name, err)
		}
		seed = entries
	}

	env.frontier = newFrontier(seed)
	env.tracker = newVisitTracker(visited)
	for _, entry := range seed {
		env.tracker.MarkIfNew(entry.URL)
	}
	env.health = newHostHealth(s.opts.HostFailureLimit, s.opts.HostCooldown, s.clock)
	env.budget = newPageBudget(site.MaxPages)
	env.status.visited.Store(int64(env.tracker.Len()))
	env.status.frontier.Store(int64(env.frontier.Len()))
	return nil
}

func (s *Scheduler) workerLoop(runCtx, taskCtx context.Context, env *runEnv) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		if runCtx.Err() != nil {
			return
		}
		entry, ok := env.frontier.Pop()
		if !ok {
			return
		}
		s.process(runCtx, taskCtx, env, entry)
		env.frontier.Done()
		env.status.frontier.Store(int64(env.frontier.Len()))
	}
}

// process handles one frontier entry end to end. Interrupted entries go back
// to the front of the frontier so a resumed run retries them.
func (s *Scheduler) process(runCtx, taskCtx context.Context, env *runEnv, entry FrontierEntry) {
	if runCtx.Err() != nil {
		env.frontier.PushFront([]FrontierEntry{entry})
		return
	}
	host := HostOf(entry.URL)
	if err := env.health.WaitIfPaused(runCtx, host); err != nil {
		env.frontier.PushFront([]FrontierEntry{entry})
		return
	}
	if !s.gate.Allowed(taskCtx, entry.URL) {
		metrics.ObservePage(env.site.Name, "robots_denied", 0)
		s.log.Debug("robots denied", zap.String("site", env.site.Name), zap.String("url", entry.URL))
		return
	}
	if err := s.gate.Wait(runCtx, host); err != nil {
		env.frontier.PushFront([]FrontierEntry{entry})
		return
	}

	var opts ExtractOptions
	if !s.opts.Force {
		if prior, ok, err := s.cache.Lookup(taskCtx, entry.URL); err != nil {
			s.log.Warn("cache lookup failed", zap.String("url", entry.URL), zap.Error(err))
		} else if ok {
			opts.Etag = prior.Etag
			opts.LastModified = prior.LastModified
		}
	}

	fetchStart := s.clock.Now()
	res, err := env.adapter.Extract(taskCtx, entry, opts)
	elapsed := s.clock.Now().Sub(fetchStart)
	if err != nil {
		s.handleExtractErr(runCtx, env, entry, host, err)
		return
	}
	metrics.ObserveFetchDuration(env.site.Name, elapsed)
	env.health.MarkSuccess(host)

	if res.NotModified {
		if !s.reservePage(env) {
			env.frontier.PushFront([]FrontierEntry{entry})
			return
		}
		env.status.processed.Add(1)
		env.status.skipped.Add(1)
		metrics.ObservePage(env.site.Name, "unchanged", 0)
		s.emitPage(env, progress.StagePageSkipped, entry.URL, entry.Depth, 0, elapsed, "not modified")
		s.noteProgress(env)
		return
	}

	s.pushLinks(env, entry, res.Links)

	for i, rec := range res.Records {
		if !s.reservePage(env) {
			if i == 0 {
				env.frontier.PushFront([]FrontierEntry{entry})
			}
			return
		}
		s.handleRecord(taskCtx, env, rec, elapsed)
	}
	if len(res.Records) > 0 {
		s.archiveRaw(taskCtx, env, entry, res.Raw)
	}
}

func (s *Scheduler) handleExtractErr(runCtx context.Context, env *runEnv, entry FrontierEntry, host string, err error) {
	if runCtx.Err() != nil {
		env.frontier.PushFront([]FrontierEntry{entry})
		return
	}
	switch {
	case IsExtractionError(err):
		env.status.skipped.Add(1)
		metrics.ObservePage(env.site.Name, "extract_error", 0)
		s.log.Warn("extraction failed",
			zap.String("site", env.site.Name),
			zap.String("url", entry.URL),
			zap.Error(err))
		s.emitPage(env, progress.StagePageSkipped, entry.URL, entry.Depth, 0, 0, err.Error())
	case IsPermanentFetch(err):
		env.status.failed.Add(1)
		metrics.ObservePage(env.site.Name, "failed", 0)
		s.log.Warn("permanent fetch failure",
			zap.String("site", env.site.Name),
			zap.String("url", entry.URL),
			zap.Error(err))
		s.emitPage(env, progress.StagePageFailed, entry.URL, entry.Depth, 0, 0, err.Error())
	default:
		env.status.failed.Add(1)
		metrics.ObservePage(env.site.Name, "failed", 0)
		s.log.Warn("fetch failed",
			zap.String("site", env.site.Name),
			zap.String("url", entry.URL),
			zap.Error(err))
		s.emitPage(env, progress.StagePageFailed, entry.URL, entry.Depth, 0, 0, err.Error())
		if env.health.MarkFailure(host) {
			metrics.ObserveHostPause(host)
			s.log.Warn("host paused after consecutive failures", zap.String("host", host))
			s.emit(progress.Event{
				RunID: env.runID,
				TS:    s.clock.Now(),
				Stage: progress.StageHostPaused,
				Site:  env.site.Name,
				Note:  host,
			})
		}
	}
}

// handleRecord runs the cache decision, index upsert, cache commit, and the
// optional publish/embed steps for one extracted record.
func (s *Scheduler) handleRecord(ctx context.Context, env *runEnv, rec PageRecord, elapsed time.Duration) {
	env.status.processed.Add(1)
	defer s.noteProgress(env)

	proceed, err := s.cache.ShouldProcess(ctx, rec.URL, rec.Fingerprint, s.opts.Force)
	if err != nil {
		s.log.Warn("cache check failed", zap.String("url", rec.URL), zap.Error(err))
		proceed = true
	}
	if !proceed {
		env.status.skipped.Add(1)
		metrics.ObservePage(env.site.Name, "unchanged", len(rec.Content))
		s.emitPage(env, progress.StagePageSkipped, rec.URL, rec.Depth, 0, elapsed, "fingerprint unchanged")
		s.resubmitDeferred(ctx, env, rec)
		return
	}

	if rec.NoIndex || env.filter.NoIndex(rec.URL) {
		env.status.noIndex.Add(1)
		metrics.ObservePage(env.site.Name, "no_index", len(rec.Content))
		s.emitPage(env, progress.StagePageNoIndex, rec.URL, rec.Depth, int64(len(rec.Content)), elapsed, "")
		if err := s.cache.Commit(ctx, cacheEntryFor(rec, "")); err != nil {
			s.log.Warn("cache commit failed", zap.String("url", rec.URL), zap.Error(err))
		}
		return
	}

	docID, err := DocumentID(s.hasher, rec.Site, rec.URL)
	if err != nil {
		env.status.failed.Add(1)
		s.log.Error("document id derivation failed", zap.String("url", rec.URL), zap.Error(err))
		return
	}
	doc := Document{
		ID:        docID,
		Title:     rec.Title,
		URL:       rec.URL,
		Content:   rec.Content,
		Excerpt:   rec.Excerpt,
		Image:     rec.Image,
		Lang:      rec.Lang,
		Site:      rec.Site,
		CrawledAt: rec.FetchedAt,
	}
	if err := s.writer.Upsert(ctx, doc); err != nil {
		env.status.failed.Add(1)
		metrics.ObservePage(env.site.Name, "index_error", 0)
		s.log.Error("index upsert failed",
			zap.String("url", rec.URL),
			zap.String("doc_id", docID),
			zap.Error(err))
		s.emitPage(env, progress.StagePageFailed, rec.URL, rec.Depth, 0, elapsed, "index upsert failed")
		return
	}
	env.status.indexed.Add(1)
	metrics.ObservePage(env.site.Name, "indexed", len(rec.Content))
	s.emitPage(env, progress.StagePageIndexed, rec.URL, rec.Depth, int64(len(rec.Content)), elapsed, "")

	if err := s.cache.Commit(ctx, cacheEntryFor(rec, docID)); err != nil {
		s.log.Warn("cache commit failed", zap.String("url", rec.URL), zap.Error(err))
	}
	s.publishIndexed(ctx, env, rec, docID)
	s.submitEmbedding(ctx, env, docID, rec)
}

func cacheEntryFor(rec PageRecord, docID string) CacheEntry {
	return CacheEntry{
		URL:          rec.URL,
		Fingerprint:  rec.Fingerprint,
		DocID:        docID,
		Site:         rec.Site,
		Depth:        rec.Depth,
		LastCrawled:  rec.FetchedAt,
		Etag:         rec.Etag,
		LastModified: rec.LastModified,
	}
}

// pushLinks filters, deduplicates, and prepends newly discovered links so the
// crawl descends before finishing siblings.
func (s *Scheduler) pushLinks(env *runEnv, parent FrontierEntry, links []string) {
	if len(links) == 0 {
		return
	}
	depth := parent.Depth + 1
	if env.site.MaxDepth > 0 && depth >= env.site.MaxDepth {
		return
	}
	batch := make([]FrontierEntry, 0, len(links))
	for _, link := range links {
		if env.filter.Excluded(link) {
			continue
		}
		if !env.tracker.MarkIfNew(link) {
			continue
		}
		batch = append(batch, FrontierEntry{URL: link, Depth: depth, Site: env.site.Name})
	}
	if len(batch) == 0 {
		return
	}
	env.frontier.PushFront(batch)
	env.status.visited.Store(int64(env.tracker.Len()))
	env.status.frontier.Store(int64(env.frontier.Len()))
}

func (s *Scheduler) reservePage(env *runEnv) bool {
	if env.budget.reserve() {
		return true
	}
	if env.limitHit.CompareAndSwap(false, true) {
		s.log.Info("page limit reached",
			zap.String("site", env.site.Name),
			zap.Int("max_pages", env.site.MaxPages))
	}
	env.frontier.Close()
	return false
}

// resubmitDeferred re-queues the embedding for a fingerprint-unchanged page
// whose document never received its vector (quota exhaustion or a previous
// run with embeddings disabled).
func (s *Scheduler) resubmitDeferred(ctx context.Context, env *runEnv, rec PageRecord) {
	if s.embedder == nil || !s.opts.Embeddings {
		return
	}
	prior, ok, err := s.cache.Lookup(ctx, rec.URL)
	if err != nil || !ok || prior.Embedded || prior.DocID == "" {
		return
	}
	s.submitEmbedding(ctx, env, prior.DocID, rec)
}

func (s *Scheduler) submitEmbedding(ctx context.Context, env *runEnv, docID string, rec PageRecord) {
	if s.embedder == nil || !s.opts.Embeddings || rec.Content == "" {
		return
	}
	taskID, err := s.ids.NewID()
	if err != nil {
		s.log.Warn("embedding task id failed", zap.Error(err))
		return
	}
	task := EmbeddingTask{
		ID:    taskID,
		DocID: docID,
		Site:  rec.Site,
		URL:   rec.URL,
		Text:  embeddingText(rec),
	}
	if err := s.embedder.Submit(ctx, task); err != nil {
		if errors.Is(err, ErrQuotaExhausted) {
			env.status.deferred.Add(1)
			metrics.ObserveEmbeddings("deferred", 1)
			s.emit(progress.Event{
				RunID: env.runID,
				TS:    s.clock.Now(),
				Stage: progress.StageEmbedDeferred,
				Site:  env.site.Name,
				URL:   rec.URL,
			})
			return
		}
		s.log.Warn("embedding submit failed", zap.String("url", rec.URL), zap.Error(err))
	}
}

func embeddingText(rec PageRecord) string {
	if rec.Title == "" {
		return rec.Content
	}
	return rec.Title + "\n\n" + rec.Content
}

type indexedEvent struct {
	DocID       string `json:"doc_id"`
	Site        string `json:"site"`
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Scheduler) publishIndexed(ctx context.Context, env *runEnv, rec PageRecord, docID string) {
	if s.pub == nil {
		return
	}
	evt := indexedEvent{DocID: docID, Site: rec.Site, URL: rec.URL, Fingerprint: rec.Fingerprint}
	if _, err := s.pub.Publish(ctx, s.opts.PublishTopic, evt); err != nil {
		s.log.Warn("publish indexed event failed", zap.String("doc_id", docID), zap.Error(err))
	}
}

func (s *Scheduler) archiveRaw(ctx context.Context, env *runEnv, entry FrontierEntry, raw []byte) {
	if s.archive == nil || len(raw) == 0 {
		return
	}
	sum, err := s.hasher.Hash([]byte(entry.URL))
	if err != nil {
		return
	}
	path := fmt.Sprintf("%s/%s.html", env.site.Name, sum)
	if _, err := s.archive.PutObject(ctx, path, "text/html", raw); err != nil {
		s.log.Warn("archive write failed", zap.String("url", entry.URL), zap.Error(err))
	}
}

// noteProgress counts processed pages toward the checkpoint cadence.
func (s *Scheduler) noteProgress(env *runEnv) {
	if env.sinceSave.Add(1) < int64(s.opts.CheckpointPages) {
		return
	}
	env.sinceSave.Store(0)
	select {
	case env.saveKick <- struct{}{}:
	default:
	}
}

// checkpointLoop is the single writer of mid-run state snapshots. Mid-run
// checkpoints carry the stopped reason so a crashed process resumes like an
// interrupted one.
func (s *Scheduler) checkpointLoop(ctx context.Context, env *runEnv, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.CheckpointInterval)
	defer ticker.Stop()
	lastProcessed := int64(-1)
	for {
		select {
		case <-stop:
			return
		case <-env.saveKick:
			lastProcessed = env.status.processed.Load()
			s.checkpoint(ctx, env, TerminationStopped)
		case <-ticker.C:
			cur := env.status.processed.Load()
			if cur == lastProcessed {
				continue
			}
			lastProcessed = cur
			s.checkpoint(ctx, env, TerminationStopped)
		}
	}
}

func (s *Scheduler) checkpoint(ctx context.Context, env *runEnv, term TerminationReason) {
	st := CrawlState{
		Site:        env.site.Name,
		RunID:       env.runID,
		Visited:     env.tracker.Snapshot(),
		Frontier:    env.frontier.Snapshot(),
		Processed:   env.processedBase + int(env.status.processed.Load()),
		Termination: term,
		SavedAt:     s.clock.Now(),
	}
	cctx, cancel := context.WithTimeout(ctx, statePersistTimeout)
	defer cancel()
	if err := s.states.Save(cctx, st); err != nil {
		s.log.Warn("crawl state save failed", zap.String("site", env.site.Name), zap.Error(err))
		return
	}
	s.log.Debug("crawl state saved",
		zap.String("site", env.site.Name),
		zap.Int("frontier", len(st.Frontier)),
		zap.Int("processed", st.Processed))
}

func (s *Scheduler) termination(ctx context.Context, env *runEnv) TerminationReason {
	if env.limitHit.Load() {
		return TerminationPageLimit
	}
	if ctx.Err() != nil {
		return TerminationStopped
	}
	snap := env.status.Snapshot()
	attempts := snap.Processed + snap.Failed
	if attempts >= minFailureSample && snap.Failed > 0 &&
		float64(snap.Failed)/float64(attempts) > s.opts.FailureRatio {
		return TerminationFailed
	}
	return TerminationCompleted
}

func (s *Scheduler) buildReport(env *runEnv, term TerminationReason, started, finished time.Time) RunReport {
	snap := env.status.Snapshot()
	return RunReport{
		Site:              env.site.Name,
		RunID:             env.runID,
		Termination:       term,
		Started:           started,
		Finished:          finished,
		Processed:         int(snap.Processed),
		Indexed:           int(snap.Indexed),
		Skipped:           int(snap.Skipped),
		Failed:            int(snap.Failed),
		NoIndex:           int(snap.NoIndex),
		Visited:           env.tracker.Len(),
		FrontierRemaining: env.frontier.Len(),
	}
}

func (s *Scheduler) emitPage(env *runEnv, stage progress.Stage, url string, depth int, bytes int64, dur time.Duration, note string) {
	s.emit(progress.Event{
		RunID: env.runID,
		TS:    s.clock.Now(),
		Stage: stage,
		Site:  env.site.Name,
		URL:   url,
		Depth: depth,
		Bytes: bytes,
		Dur:   dur,
		Note:  note,
	})
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}
