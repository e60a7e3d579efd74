package alert

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"paced/internal/eventbus"
	"paced/internal/runtime/supervisor"
	"paced/internal/storage"
	logx "paced/pkg/logx"
)

const historySize = 64

// Service is the async alert pipeline: a bounded queue in front of
// rate-limited workers that dedup, retry and deliver to the sink.
//
// Notify never blocks the caller; when the queue is full the alert is
// dropped and counted.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sink  Sink

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
	dedup   map[string]time.Time

	queue chan Message
	sup   *supervisor.Supervisor

	histMu  sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	deduped atomic.Uint64

	started atomic.Bool
}

func New(log logx.Logger, bus eventbus.Bus, store storage.Store, sink Sink, cfg Config) *Service {
	cfg = cfg.normalize()
	if store == nil {
		store = storage.Disabled()
	}
	return &Service{
		log:     log.With(logx.String("component", "alerts")),
		bus:     bus,
		store:   store,
		sink:    sink,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   make(map[string]time.Time),
		queue:   make(chan Message, cfg.QueueSize),
	}
}

func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Enabled && s.sink != nil
}

// Start launches the worker pool. Safe to call once; subsequent calls
// are no-ops.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.mu.RLock()
	workers := s.cfg.Workers
	s.mu.RUnlock()

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("alert-worker-%d", i)
		s.sup.GoRestart0(name, s.worker,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}
	s.log.Info("alert pipeline started", logx.Int("workers", workers), logx.Int("queue_cap", cap(s.queue)))
}

// Stop drains nothing: queued alerts not yet picked up are abandoned.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	s.sup.Cancel()
	return s.sup.Wait(ctx)
}

// Apply takes over what can change live: rate, dedup window, severity
// floor, enablement. Worker count and queue size need a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalize()
	s.mu.Lock()
	prevRate := s.cfg.RatePerSec
	s.cfg.Enabled = cfg.Enabled
	s.cfg.RatePerSec = cfg.RatePerSec
	s.cfg.RetryMax = cfg.RetryMax
	s.cfg.RetryBase = cfg.RetryBase
	s.cfg.RetryMaxDelay = cfg.RetryMaxDelay
	s.cfg.DedupWindow = cfg.DedupWindow
	s.cfg.DedupMaxEntries = cfg.DedupMaxEntries
	s.cfg.PersistDedup = cfg.PersistDedup
	s.cfg.MinSeverity = cfg.MinSeverity
	if cfg.RatePerSec != prevRate {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
	s.mu.Unlock()
}

// Notify enqueues msg. Returns false when the pipeline is disabled,
// the severity is below the floor, or the queue is full.
func (s *Service) Notify(msg Message) bool {
	s.mu.RLock()
	enabled := s.cfg.Enabled && s.sink != nil
	floor := s.cfg.MinSeverity
	s.mu.RUnlock()

	if !enabled || msg.Severity < floor {
		return false
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	select {
	case s.queue <- msg:
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertQueued, Data: msg.Source})
		return true
	default:
		s.dropped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertDropped, Data: msg.Source})
		s.log.Warn("alert queue full; dropping",
			logx.String("source", msg.Source),
			logx.String("title", msg.Title),
		)
		return false
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.process(ctx, msg)
		}
	}
}

func (s *Service) process(ctx context.Context, msg Message) {
	key := dedupKey(msg)
	if s.isDuplicate(ctx, key, msg.At) {
		s.deduped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertDeduped, Data: msg.Source})
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	attempts, err := s.deliver(ctx, msg)
	item := HistoryItem{
		Source:   msg.Source,
		Severity: msg.Severity.String(),
		Title:    msg.Title,
		At:       msg.At,
		OK:       err == nil,
		Attempts: attempts,
	}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertFailed, Data: msg.Source})
		s.log.Warn("alert delivery failed",
			logx.String("source", msg.Source),
			logx.String("title", msg.Title),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	} else {
		s.sent.Add(1)
		s.markSent(ctx, key, msg.At)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertSent, Data: msg.Source})
	}
	s.recordHistory(item)
}

func (s *Service) deliver(ctx context.Context, msg Message) (int, error) {
	s.mu.RLock()
	retryMax := s.cfg.RetryMax
	base := s.cfg.RetryBase
	maxDelay := s.cfg.RetryMaxDelay
	s.mu.RUnlock()

	var lastErr error
	for attempt := 0; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := s.sink.Send(sctx, msg)
		cancel()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if attempt >= retryMax {
			return attempt + 1, lastErr
		}
		select {
		case <-ctx.Done():
			return attempt + 1, errors.Join(lastErr, ctx.Err())
		case <-time.After(retryDelay(base, maxDelay, attempt)):
		}
	}
}

// retryDelay is exponential backoff with +/-25% jitter, capped at max.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter
	if d < base/2 {
		d = base / 2
	}
	return d
}

func dedupKey(msg Message) string {
	if msg.DedupKey != "" {
		return msg.DedupKey
	}
	return msg.Source + "\x00" + msg.Title
}

func (s *Service) isDuplicate(ctx context.Context, key string, now time.Time) bool {
	s.mu.RLock()
	window := s.cfg.DedupWindow
	persist := s.cfg.PersistDedup
	until, ok := s.dedup[key]
	s.mu.RUnlock()

	if window <= 0 {
		return false
	}
	if ok && now.Before(until) {
		return true
	}
	if persist {
		until, found, err := s.store.GetDedup(ctx, key)
		if err == nil && found && now.Before(until) {
			return true
		}
	}
	return false
}

func (s *Service) markSent(ctx context.Context, key string, at time.Time) {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	persist := s.cfg.PersistDedup
	maxEntries := s.cfg.DedupMaxEntries
	if window > 0 {
		s.dedup[key] = at.Add(window)
		if len(s.dedup) > maxEntries {
			s.evictDedupLocked(at)
		}
	}
	s.mu.Unlock()

	if window > 0 && persist {
		if err := s.store.PutDedup(ctx, key, at.Add(window)); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
	}
}

// evictDedupLocked drops expired entries first, then arbitrary ones
// until the map is back under the cap.
func (s *Service) evictDedupLocked(now time.Time) {
	for k, until := range s.dedup {
		if !until.After(now) {
			delete(s.dedup, k)
		}
	}
	for k := range s.dedup {
		if len(s.dedup) <= s.cfg.DedupMaxEntries {
			break
		}
		delete(s.dedup, k)
	}
}

func (s *Service) recordHistory(item HistoryItem) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

func (s *Service) Snapshot() Stats {
	s.mu.RLock()
	enabled := s.cfg.Enabled && s.sink != nil
	s.mu.RUnlock()

	s.histMu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.histMu.Unlock()

	return Stats{
		Enabled:  enabled,
		QueueLen: len(s.queue),
		QueueCap: cap(s.queue),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		Deduped:  s.deduped.Load(),
		History:  hist,
	}
}
