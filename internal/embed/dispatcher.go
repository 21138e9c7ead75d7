// Package embed attaches embedding vectors to indexed documents without
// slowing the crawl down. Workers hand tasks to a dispatcher; a single
// batcher goroutine groups them, calls the provider, and writes vectors
// back through the index writer's partial update.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/metrics"
)

// Provider computes embedding vectors for a batch of texts. A quota refusal
// must come back as an error wrapping crawler.ErrQuotaExhausted.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config tunes the dispatcher and selects the provider.
type Config struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	// BatchSize is how many texts go to the provider per call.
	BatchSize int `mapstructure:"batch_size"`
	// FlushInterval bounds how long a partial batch may wait.
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

const (
	defaultBatchSize      = 20
	defaultFlushInterval  = 2 * time.Second
	defaultQueueSize      = 256
	defaultRequestTimeout = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

// NewProvider builds the configured embedding provider.
func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model, logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Dispatcher batches embedding tasks behind a buffered channel. Submit never
// blocks beyond channel backpressure; vectors land via UpdateVector and each
// embedded URL is marked in the cache so later runs skip it. After a quota
// refusal the dispatcher halts for the rest of the process: queued tasks are
// counted as deferred, and their cache entries stay unembedded so the next
// run picks them up.
type Dispatcher struct {
	provider Provider
	writer   crawler.IndexWriter
	cache    crawler.ChangeCache
	log      *zap.Logger

	batchSize  int
	flushEvery time.Duration
	reqTimeout time.Duration

	tasks    chan crawler.EmbeddingTask
	flushReq chan chan struct{}
	quit     chan struct{}
	done     chan struct{}

	halted    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	pending  map[string]struct{}
	embedded int
	deferred int
	failed   int
}

// NewDispatcher validates dependencies and starts the batcher goroutine. The
// returned dispatcher accepts tasks immediately.
func NewDispatcher(provider Provider, writer crawler.IndexWriter, cache crawler.ChangeCache, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if writer == nil {
		return nil, errors.New("index writer is required")
	}
	if cache == nil {
		return nil, errors.New("change cache is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	d := &Dispatcher{
		provider:   provider,
		writer:     writer,
		cache:      cache,
		log:        logger,
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushInterval,
		reqTimeout: cfg.RequestTimeout,
		tasks:      make(chan crawler.EmbeddingTask, cfg.QueueSize),
		flushReq:   make(chan chan struct{}),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[string]struct{}),
	}
	go d.run()
	return d, nil
}

// Submit queues one task. Tasks whose document is already queued this sweep
// are dropped silently; once the provider signalled quota exhaustion every
// call returns crawler.ErrQuotaExhausted so the scheduler can count the page
// as deferred.
func (d *Dispatcher) Submit(ctx context.Context, task crawler.EmbeddingTask) error {
	if d.closed.Load() {
		return errors.New("embedding dispatcher is closed")
	}
	if d.halted.Load() {
		return crawler.ErrQuotaExhausted
	}
	if task.DocID == "" {
		return fmt.Errorf("embedding task for %s has no doc id", task.URL)
	}

	d.mu.Lock()
	if _, dup := d.pending[task.DocID]; dup {
		d.mu.Unlock()
		d.log.Debug("embedding already queued for document",
			zap.String("doc_id", task.DocID),
			zap.String("url", task.URL))
		return nil
	}
	d.pending[task.DocID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.tasks <- task:
		return nil
	case <-d.quit:
		d.forget(task.DocID)
		return errors.New("embedding dispatcher is closed")
	case <-ctx.Done():
		d.forget(task.DocID)
		return ctx.Err()
	}
}

// Exhausted reports whether the provider refused work for quota reasons.
func (d *Dispatcher) Exhausted() bool {
	return d.halted.Load()
}

// Drain flushes everything queued, waits for the batcher to settle, and
// returns the embedded/deferred counts accumulated since the previous drain.
// The seen-document set resets with the counters, so a changed document in a
// later sweep embeds again.
func (d *Dispatcher) Drain(ctx context.Context) (int, int, error) {
	if !d.closed.Load() {
		ack := make(chan struct{})
		select {
		case d.flushReq <- ack:
			select {
			case <-ack:
			case <-d.done:
			case <-ctx.Done():
				return 0, 0, fmt.Errorf("embedding drain wait: %w", ctx.Err())
			}
		case <-d.done:
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("embedding drain: %w", ctx.Err())
		}
	}

	d.mu.Lock()
	embedded, deferred, failed := d.embedded, d.deferred, d.failed
	d.embedded, d.deferred, d.failed = 0, 0, 0
	d.pending = make(map[string]struct{})
	d.mu.Unlock()

	if failed > 0 {
		d.log.Warn("embeddings failed this sweep", zap.Int("failed", failed))
	}
	return embedded, deferred, nil
}

// Close flushes queued tasks and stops the batcher. Safe to call twice.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.quit)
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("embedding dispatcher close wait: %w", ctx.Err())
	}
}

func (d *Dispatcher) forget(docID string) {
	d.mu.Lock()
	delete(d.pending, docID)
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	batch := make([]crawler.EmbeddingTask, 0, d.batchSize)
	timer := time.NewTimer(d.flushEvery)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	disarm := func() {
		if !armed {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
	}

	// drainQueued empties the channel backlog without waiting.
	drainQueued := func() {
		for {
			select {
			case task := <-d.tasks:
				batch = append(batch, task)
				if len(batch) >= d.batchSize {
					d.process(batch)
					batch = batch[:0]
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case task := <-d.tasks:
			batch = append(batch, task)
			if len(batch) >= d.batchSize {
				d.process(batch)
				batch = batch[:0]
				disarm()
			} else if !armed {
				timer.Reset(d.flushEvery)
				armed = true
			}
		case <-timer.C:
			armed = false
			if len(batch) > 0 {
				d.process(batch)
				batch = batch[:0]
			}
		case ack := <-d.flushReq:
			drainQueued()
			d.process(batch)
			batch = batch[:0]
			disarm()
			close(ack)
		case <-d.quit:
			disarm()
			drainQueued()
			d.process(batch)
			return
		}
	}
}

// process embeds one batch and writes the vectors back. Runs only on the
// batcher goroutine.
func (d *Dispatcher) process(batch []crawler.EmbeddingTask) {
	if len(batch) == 0 {
		return
	}
	if d.halted.Load() {
		d.deferBatch(batch)
		return
	}

	texts := make([]string, len(batch))
	for i, task := range batch {
		texts[i] = task.Text
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.reqTimeout)
	vectors, err := d.provider.Embed(ctx, texts)
	cancel()
	if err != nil {
		if errors.Is(err, crawler.ErrQuotaExhausted) {
			d.halt()
			d.deferBatch(batch)
			return
		}
		d.failBatch(batch, err)
		return
	}
	if len(vectors) != len(batch) {
		d.failBatch(batch, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(batch)))
		return
	}

	for i, task := range batch {
		d.finish(task, vectors[i])
	}
}

func (d *Dispatcher) finish(task crawler.EmbeddingTask, vector []float32) {
	ctx, cancel := context.WithTimeout(context.Background(), d.reqTimeout)
	defer cancel()

	if err := d.writer.UpdateVector(ctx, task.DocID, vector); err != nil {
		d.log.Warn("vector update failed",
			zap.String("doc_id", task.DocID),
			zap.String("url", task.URL),
			zap.Error(err))
		d.mu.Lock()
		d.failed++
		d.mu.Unlock()
		metrics.ObserveEmbeddings("failed", 1)
		return
	}
	if err := d.cache.MarkEmbedded(ctx, task.URL); err != nil {
		// The vector is in the index; worst case the next run re-embeds it.
		d.log.Warn("mark embedded failed", zap.String("url", task.URL), zap.Error(err))
	}

	d.mu.Lock()
	d.embedded++
	d.mu.Unlock()
	metrics.ObserveEmbeddings("embedded", 1)
}

func (d *Dispatcher) halt() {
	if d.halted.CompareAndSwap(false, true) {
		d.log.Warn("embedding quota exhausted, deferring remaining documents to the next run")
	}
}

func (d *Dispatcher) deferBatch(batch []crawler.EmbeddingTask) {
	d.mu.Lock()
	d.deferred += len(batch)
	d.mu.Unlock()
	metrics.ObserveEmbeddings("deferred", len(batch))
	d.log.Debug("embedding batch deferred", zap.Int("tasks", len(batch)))
}

func (d *Dispatcher) failBatch(batch []crawler.EmbeddingTask, err error) {
	d.mu.Lock()
	d.failed += len(batch)
	d.mu.Unlock()
	metrics.ObserveEmbeddings("failed", len(batch))
	d.log.Warn("embedding batch failed",
		zap.Int("tasks", len(batch)),
		zap.Error(err))
}
