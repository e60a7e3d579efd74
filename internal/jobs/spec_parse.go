package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts standard 5-field specs, optional seconds, and
// descriptors (@daily, @every ...).
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule turns a config schedule string into a cron.Schedule.
//
// Accepted forms:
//   - cron specs, with or without a "cron:" prefix ("*/5 * * * *")
//   - Go durations ("30m", "1h30m") meaning "every d", spread on start
//   - "HH:MM" meaning daily at that wall-clock time
//
// An empty string is an error; callers treat empty as "job disabled"
// before parsing.
func ParseSchedule(s string) (cron.Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(s, "cron:"); ok {
		return specParser.Parse(strings.TrimSpace(rest))
	}
	if rest, ok := strings.CutPrefix(s, "every:"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s, err)
		}
		return everySpread(d)
	}

	if hh, mm, ok := parseClock(s); ok {
		return specParser.Parse(fmt.Sprintf("%d %d * * *", mm, hh))
	}

	if d, err := time.ParseDuration(s); err == nil {
		return everySpread(d)
	}

	return specParser.Parse(s)
}

func everySpread(d time.Duration) (cron.Schedule, error) {
	if d < time.Second {
		return nil, fmt.Errorf("interval %v below 1s", d)
	}
	return spread(cron.Every(d), d), nil
}

// parseClock matches "HH:MM" (24h).
func parseClock(s string) (hh, mm int, ok bool) {
	h, m, found := strings.Cut(s, ":")
	if !found || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, 0, false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, false
	}
	mm, err = strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, false
	}
	return hh, mm, true
}
