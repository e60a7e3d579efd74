// Package jobs runs calendar maintenance work (dedup pruning, daily
// summaries) on robfig/cron schedules.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "paced/pkg/logx"
)

type Service struct {
	log logx.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
}

func NewService(log logx.Logger, timezone string) (*Service, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("jobs: timezone %q: %w", timezone, err)
		}
	}
	s := &Service{
		log:     log.With(logx.String("component", "jobs")),
		entries: map[string]cron.EntryID{},
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(specParser),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	return s, nil
}

// Upsert installs or replaces the named job. An empty spec removes it.
func (s *Service) Upsert(name, spec string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	if spec == "" {
		return nil
	}

	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("jobs: %s: %w", name, err)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		start := time.Now()
		s.log.Debug("job start", logx.String("job", name))
		job()
		s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}))
	s.entries[name] = id
	s.log.Info("job scheduled", logx.String("job", name), logx.String("spec", spec))
	return nil
}

// Remove drops the named job if present.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Names lists installed jobs.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stopCtx := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logx for cron's panic recovery chain.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
