package jobs

import (
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// spread wraps an interval schedule so its first activation lands at a
// random point inside the period instead of a full period after start.
// Without it, every "30m" job in the config fires in the same instant
// forever after a restart.
func spread(inner cron.Schedule, period time.Duration) cron.Schedule {
	return &spreadSchedule{inner: inner, period: period}
}

type spreadSchedule struct {
	inner  cron.Schedule
	period time.Duration

	mu    sync.Mutex
	fired bool
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return s.inner.Next(t)
	}
	s.fired = true
	// Whole seconds, matching cron.Every's granularity.
	offset := time.Duration(rand.Int63n(int64(s.period))).Truncate(time.Second)
	if offset < time.Second {
		offset = time.Second
	}
	return t.Add(offset)
}
