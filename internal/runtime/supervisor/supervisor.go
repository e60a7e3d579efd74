// Package supervisor runs named goroutines under one shared context:
// panic capture, first-error tracking with optional cancel-on-error, and
// per-name stats for the diag endpoint. Every long-running goroutine in
// paced (loop runners, alert workers, the config watcher) lives under
// one of these.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "paced/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errOnce  sync.Once
	errMu    sync.Mutex
	firstErr error

	mu    sync.Mutex
	tasks map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil goroutine error (or panic)
// cancel the supervisor context, taking every sibling down with it.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines
// to exit; pair with Wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded goroutine error. context.Canceled from
// a clean shutdown is never recorded.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// Go runs fn on a supervised goroutine. A panic is recovered and treated
// as the goroutine's error; context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		err := s.run(name, fn)
		s.noteStop(name, err)
		if err != nil {
			s.fail(err)
		}
	}()
}

// Go0 is Go for functions with nothing to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart0.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min time.Duration
	max time.Duration
}

// WithRestartBackoff sets the jittered exponential backoff window
// between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// GoRestart0 runs fn like Go0 but restarts it after a panic, backing off
// between attempts. A normal return or context cancellation ends the
// task for good; a run that stayed up for a while resets the backoff so
// rare crashes don't accumulate long delays.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	if p.max < p.min {
		p.max = p.min
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := p.min
		for attempt := 0; ; attempt++ {
			if s.ctx.Err() != nil {
				return
			}
			s.noteStart(name, attempt > 0)
			began := time.Now()
			err := s.run(name, func(ctx context.Context) error {
				fn(ctx)
				return nil
			})
			s.noteStop(name, err)
			if err == nil || s.ctx.Err() != nil {
				return
			}

			if time.Since(began) >= time.Minute {
				backoff = p.min
			}
			wait := backoff + time.Duration(rand.Int63n(int64(backoff/4)+1))
			s.log.Warn("task restarting",
				logx.String("task", name),
				logx.Duration("backoff", wait),
				logx.Err(err),
			)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			if backoff *= 2; backoff > p.max {
				backoff = p.max
			}
		}
	}()
}

// run invokes fn with panic capture. The returned error is nil for clean
// exits (including context.Canceled) and already names the task.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name)
			s.log.Error("task panicked",
				logx.String("task", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	s.log.Debug("task started", logx.String("task", name))
	err = fn(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.Debug("task stopped", logx.String("task", name))
	return nil
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() {
		s.errMu.Lock()
		s.firstErr = err
		s.errMu.Unlock()
	})
	if s.cancelOnErr {
		s.cancel()
	}
}

// Wait blocks until every supervised goroutine has exited or ctx runs
// out, and then reports the first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// TaskStats is the per-name aggregate rendered by /statusz. Concurrent
// goroutines sharing a name fold into one row.
type TaskStats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Started   uint64    `json:"started"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastStop  time.Time `json:"last_stop,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time, observability-only view.
type Snapshot struct {
	Active     int         `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	active    int
	started   uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastStop  time.Time
	lastErr   string
}

func (s *Supervisor) SnapshotNow() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	for name, t := range s.tasks {
		snap.Active += t.active
		snap.Started += t.started
		snap.Tasks = append(snap.Tasks, TaskStats{
			Name:      name,
			Active:    t.active,
			Started:   t.started,
			Restarts:  t.restarts,
			Panics:    t.panics,
			LastStart: t.lastStart,
			LastStop:  t.lastStop,
			LastError: t.lastErr,
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool {
		return snap.Tasks[i].Name < snap.Tasks[j].Name
	})
	return snap
}

func (s *Supervisor) task(name string) *taskStats {
	t := s.tasks[name]
	if t == nil {
		t = &taskStats{}
		s.tasks[name] = t
	}
	return t
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.mu.Lock()
	t := s.task(name)
	t.active++
	t.started++
	if restart {
		t.restarts++
	}
	t.lastStart = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error) {
	s.mu.Lock()
	t := s.task(name)
	if t.active > 0 {
		t.active--
	}
	t.lastStop = time.Now()
	if err != nil {
		t.lastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.task(name).panics++
	s.mu.Unlock()
}
