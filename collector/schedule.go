package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// Schedule returns the next run time after a given time. A zero time means
// there are no more runs.
type Schedule interface {
	Next(time.Time) time.Time
	String() string
}

type everySchedule struct {
	interval time.Duration
}

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.interval) }
func (s everySchedule) String() string { return "@every " + s.interval.String() }

type cronSchedule struct {
	line string
	expr *cronexpr.Expression
}

func (s cronSchedule) Next(t time.Time) time.Time { return s.expr.Next(t) }
func (s cronSchedule) String() string { return s.line }

// Every returns a fixed interval schedule.
func Every(d time.Duration) Schedule { return everySchedule{interval: d} }

// ParseSchedule accepts "@every <duration>", a plain duration such as "30s"
// or "60" (seconds), or a cron expression.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("the schedule is empty")
	}
	if rest, ok := strings.CutPrefix(s, "@every"); ok {
		d, err := parseInterval(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", s, err)
		}
		return Every(d), nil
	}
	if d, err := parseInterval(s); err == nil {
		return Every(d), nil
	}
	expr, err := cronexpr.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", s, err)
	}
	return cronSchedule{line: s, expr: expr}, nil
}

func parseInterval(s string) (time.Duration, error) {
	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("the interval must be positive")
	}
	return d, nil
}
