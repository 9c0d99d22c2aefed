package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
)

// Config configures the batch service.
type Config struct {
	Model      string
	Dimensions int

	OptimalBatchSize   int
	MaxQueueSize       int
	DrainInterval      time.Duration
	ItemTimeout        time.Duration
	MaxParallelBatches int

	// OnBatch observes every provider call with its slice size.
	OnBatch func(model string, size int)
	// OnQueueDepth observes the total queued items after every change.
	OnQueueDepth func(depth int)
}

func (c Config) withDefaults() Config {
	if c.OptimalBatchSize <= 0 {
		c.OptimalBatchSize = 64
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 50 * time.Millisecond
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.MaxParallelBatches <= 0 {
		c.MaxParallelBatches = 4
	}
	return c
}

type queueKey struct {
	model string
	dims  int
}

func (k queueKey) String() string { return fmt.Sprintf("%s/%d", k.model, k.dims) }

type result struct {
	vec []float32
	err error
}

type item struct {
	text string
	key  string
	res  chan result
}

// Service batches embedding requests per (model, dimensions) queue. One worker
// goroutine cuts slices off the queues and hands each to its own goroutine, at
// most MaxParallelBatches provider calls at a time, so a slow queue never holds
// up another. Callers block on their own item until it is resolved, times out
// or their context ends.
type Service struct {
	provider Provider
	cache    *VectorCache
	guard    *resilience.Guard
	cfg      Config
	log      *zap.Logger

	mu     sync.Mutex
	queues map[queueKey][]*item
	depth  int

	slots    *semaphore.Weighted
	inflight sync.WaitGroup

	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	batches atomic.Int64
	texts   atomic.Int64
}

// NewService builds a stopped service. vc and guard may be nil in tests.
func NewService(p Provider, vc *VectorCache, guard *resilience.Guard, cfg Config, log *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	return &Service{
		provider: p,
		cache:    vc,
		guard:    guard,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.MaxParallelBatches)),
		log:      logger.OrDefault(log, "embedding"),
		queues:   make(map[queueKey][]*item),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		runCtx:   ctx,
		cancel:   cancel,
	}
}

// Start launches the drain worker. It is a no-op when already running.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

// Stop halts the worker, cancels in-flight provider calls and fails every
// queued or in-flight item with Unavailable. It returns once all batch
// goroutines have exited.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	close(s.stop)
	<-s.done
}

func (s *Service) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.failAll(errStopped())
			s.inflight.Wait()
			return
		case <-ticker.C:
			s.drain()
		case <-s.notify:
			s.drain()
		}
	}
}

// QueueDepth returns the number of queued items.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// Stats returns the number of provider calls and texts sent.
func (s *Service) Stats() (batches, texts int64) { return s.batches.Load(), s.texts.Load() }

func (s *Service) resolve(model string, dims int) (string, int) {
	if model == "" {
		model = s.cfg.Model
	}
	if dims <= 0 {
		dims = s.cfg.Dimensions
	}
	return model, dims
}

// Embed returns the embedding for text through the batch queue.
func (s *Service) Embed(ctx context.Context, text, model string, dims int) ([]float32, error) {
	out, err := s.EmbedMany(ctx, []string{text}, model, dims)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedMany embeds texts through the batch queue, preserving order. Either the
// whole request fits in the queue or it fails with QueueFull.
func (s *Service) EmbedMany(ctx context.Context, texts []string, model string, dims int) ([][]float32, error) {
	model, dims = s.resolve(model, dims)
	out := make([][]float32, len(texts))
	var pending []*item
	var idx []int
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errs.Validation("text", "cannot embed empty text")
		}
		key := s.cacheKey(model, dims, t)
		if v, ok := s.cacheGet(ctx, key); ok {
			out[i] = v
			continue
		}
		pending = append(pending, &item{text: t, key: key, res: make(chan result, 1)})
		idx = append(idx, i)
	}
	if len(pending) == 0 {
		return out, nil
	}
	if !s.running.Load() {
		return nil, errs.New(errs.KindUnavailable, config.BackendEmbedding, "embedding service not started")
	}

	qk := queueKey{model: model, dims: dims}
	if err := s.enqueue(qk, pending); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.ItemTimeout)
	defer timer.Stop()
	for n, it := range pending {
		select {
		case r := <-it.res:
			if r.err != nil {
				s.remove(qk, pending[n:])
				return nil, r.err
			}
			out[idx[n]] = r.vec
		case <-timer.C:
			s.remove(qk, pending[n:])
			return nil, errs.Timeout(config.BackendEmbedding, "embed")
		case <-ctx.Done():
			s.remove(qk, pending[n:])
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errs.Timeout(config.BackendEmbedding, "embed")
			}
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// EmbedSync embeds one text immediately, bypassing the queue but not the
// cache or the guard.
func (s *Service) EmbedSync(ctx context.Context, text, model string, dims int) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("text", "cannot embed empty text")
	}
	model, dims = s.resolve(model, dims)
	key := s.cacheKey(model, dims, text)
	if v, ok := s.cacheGet(ctx, key); ok {
		return v, nil
	}
	vecs, err := s.call(ctx, model, dims, []string{text})
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, vecs[0])
	return vecs[0], nil
}

func (s *Service) enqueue(qk queueKey, items []*item) error {
	s.mu.Lock()
	q := s.queues[qk]
	if len(q)+len(items) > s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return errs.QueueFull(qk.String(), s.cfg.MaxQueueSize)
	}
	q = append(q, items...)
	s.queues[qk] = q
	s.depth += len(items)
	depth, full := s.depth, len(q) >= s.cfg.OptimalBatchSize
	s.mu.Unlock()

	s.observeDepth(depth)
	if full {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// remove drops items that are still queued. Items already taken by a drain
// resolve into their buffered channel and are discarded.
func (s *Service) remove(qk queueKey, items []*item) {
	drop := make(map[*item]bool, len(items))
	for _, it := range items {
		drop[it] = true
	}
	s.mu.Lock()
	q := s.queues[qk]
	kept := q[:0]
	for _, it := range q {
		if !drop[it] {
			kept = append(kept, it)
		}
	}
	s.depth -= len(q) - len(kept)
	if len(kept) == 0 {
		delete(s.queues, qk)
	} else {
		s.queues[qk] = kept
	}
	depth := s.depth
	s.mu.Unlock()
	s.observeDepth(depth)
}

type batch struct {
	qk    queueKey
	items []*item
}

func (s *Service) drain() {
	s.mu.Lock()
	var batches []batch
	for qk, q := range s.queues {
		for len(q) > 0 {
			n := s.cfg.OptimalBatchSize
			if n > len(q) {
				n = len(q)
			}
			slice := make([]*item, n)
			copy(slice, q[:n])
			batches = append(batches, batch{qk: qk, items: slice})
			q = q[n:]
		}
		delete(s.queues, qk)
	}
	s.depth = 0
	s.mu.Unlock()

	if len(batches) == 0 {
		return
	}
	s.observeDepth(0)

	for _, b := range batches {
		s.inflight.Add(1)
		go func(b batch) {
			defer s.inflight.Done()
			if err := s.slots.Acquire(s.runCtx, 1); err != nil {
				s.resolveAll(b.items, errStopped())
				return
			}
			defer s.slots.Release(1)
			s.process(b)
		}(b)
	}
}

func errStopped() error {
	return errs.New(errs.KindUnavailable, config.BackendEmbedding, "embedding service stopped")
}

func (s *Service) resolveAll(items []*item, err error) {
	for _, it := range items {
		it.res <- result{err: err}
	}
}

func (s *Service) process(b batch) {
	// identical texts inside one slice are embedded once
	unique := make([]string, 0, len(b.items))
	pos := make(map[string]int, len(b.items))
	for _, it := range b.items {
		if _, ok := pos[it.key]; !ok {
			pos[it.key] = len(unique)
			unique = append(unique, it.text)
		}
	}

	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ItemTimeout)
	defer cancel()
	vecs, err := s.call(ctx, b.qk.model, b.qk.dims, unique)
	if err != nil {
		if s.runCtx.Err() != nil {
			err = errStopped()
		}
		s.log.Warn("embedding batch failed", zap.String("queue", b.qk.String()), zap.Int("size", len(unique)), zap.Error(err))
		s.resolveAll(b.items, err)
		return
	}
	for _, it := range b.items {
		s.cacheSet(ctx, it.key, vecs[pos[it.key]])
	}
	for _, it := range b.items {
		it.res <- result{vec: vecs[pos[it.key]]}
	}
}

func (s *Service) call(ctx context.Context, model string, dims int, texts []string) ([][]float32, error) {
	s.batches.Inc()
	s.texts.Add(int64(len(texts)))
	if s.cfg.OnBatch != nil {
		s.cfg.OnBatch(model, len(texts))
	}
	embed := func(ctx context.Context) ([][]float32, error) {
		vecs, err := s.provider.Embed(ctx, texts, model, dims)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, errs.Wrap(errs.KindUnavailable, config.BackendEmbedding,
				fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(texts)))
		}
		return vecs, nil
	}
	if s.guard == nil {
		return embed(ctx)
	}
	return resilience.Call(ctx, s.guard, embed)
}

func (s *Service) failAll(err error) {
	s.mu.Lock()
	queues := s.queues
	s.queues = make(map[queueKey][]*item)
	s.depth = 0
	s.mu.Unlock()
	for _, q := range queues {
		s.resolveAll(q, err)
	}
	s.observeDepth(0)
}

func (s *Service) observeDepth(d int) {
	if s.cfg.OnQueueDepth != nil {
		s.cfg.OnQueueDepth(d)
	}
}

func (s *Service) cacheKey(model string, dims int, text string) string {
	if s.cache == nil {
		return model + "|" + fmt.Sprint(dims) + "|" + strings.Join(strings.Fields(text), " ")
	}
	return s.cache.Key(model, dims, text)
}

func (s *Service) cacheGet(ctx context.Context, key string) ([]float32, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(ctx, key)
}

func (s *Service) cacheSet(ctx context.Context, key string, v []float32) {
	if s.cache != nil {
		s.cache.Set(ctx, key, v)
	}
}
