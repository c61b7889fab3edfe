// Package schedule parses schedule descriptors and computes run times.
//
// A descriptor is a "kind:args" string:
//
//	interval:30s            run every fixed duration
//	daily:07:30             run at a wall-clock time each day
//	weekly:mon:07:30        run on a weekday at a wall-clock time
//	monthly:15:07:30        run on a day of month at a wall-clock time
//	cron:*/5 * * * *        standard 5-field cron expression
//	conditional:1m          re-evaluate a predicate after a recheck delay
//
// A bare duration ("10m") is shorthand for interval.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind identifies the schedule descriptor kind
type Kind string

const (
	KindInterval    Kind = "interval"
	KindDaily       Kind = "daily"
	KindWeekly      Kind = "weekly"
	KindMonthly     Kind = "monthly"
	KindCron        Kind = "cron"
	KindConditional Kind = "conditional"
)

// ErrInvalidSpec is returned when a descriptor cannot be parsed
var ErrInvalidSpec = errors.New("invalid schedule descriptor")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// Spec is a parsed schedule descriptor
type Spec struct {
	Kind    Kind
	Every   time.Duration // interval and conditional recheck delay
	Hour    int           // daily, weekly, monthly
	Minute  int           // daily, weekly, monthly
	Weekday time.Weekday  // weekly
	Day     int           // monthly, 1..31, clamped to short months
	Expr    string        // cron

	sched cron.Schedule
}

// Parse parses a schedule descriptor string
func Parse(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}

	kind, args, found := strings.Cut(raw, ":")
	if !found {
		// Bare duration shorthand for interval, or an unprefixed cron
		// expression as stored configs commonly carry.
		if d, err := time.ParseDuration(raw); err == nil {
			return newIntervalSpec(KindInterval, d)
		}
		if sched, err := cronParser.Parse(raw); err == nil {
			return Spec{Kind: KindCron, Expr: raw, sched: sched}, nil
		}
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, raw)
	}

	switch Kind(strings.ToLower(kind)) {
	case KindInterval, KindConditional:
		d, err := time.ParseDuration(args)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: bad duration %q: %v", ErrInvalidSpec, args, err)
		}
		return newIntervalSpec(Kind(strings.ToLower(kind)), d)

	case KindDaily:
		h, m, err := parseClock(args)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindDaily, Hour: h, Minute: m}, nil

	case KindWeekly:
		day, clock, found := strings.Cut(args, ":")
		if !found {
			return Spec{}, fmt.Errorf("%w: weekly needs day and time", ErrInvalidSpec)
		}
		wd, ok := weekdays[strings.ToLower(day)]
		if !ok {
			return Spec{}, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSpec, day)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindWeekly, Weekday: wd, Hour: h, Minute: m}, nil

	case KindMonthly:
		day, clock, found := strings.Cut(args, ":")
		if !found {
			return Spec{}, fmt.Errorf("%w: monthly needs day and time", ErrInvalidSpec)
		}
		dom, err := strconv.Atoi(day)
		if err != nil || dom < 1 || dom > 31 {
			return Spec{}, fmt.Errorf("%w: bad day of month %q", ErrInvalidSpec, day)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindMonthly, Day: dom, Hour: h, Minute: m}, nil

	case KindCron:
		sched, err := cronParser.Parse(args)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: bad cron expression %q: %v", ErrInvalidSpec, args, err)
		}
		return Spec{Kind: KindCron, Expr: args, sched: sched}, nil

	default:
		// Unprefixed cron expressions are common in stored configs.
		if sched, err := cronParser.Parse(raw); err == nil {
			return Spec{Kind: KindCron, Expr: raw, sched: sched}, nil
		}
		return Spec{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, kind)
	}
}

func newIntervalSpec(kind Kind, d time.Duration) (Spec, error) {
	if d <= 0 {
		return Spec{}, fmt.Errorf("%w: duration must be positive", ErrInvalidSpec)
	}
	return Spec{Kind: kind, Every: d}, nil
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: bad time %q, want HH:MM", ErrInvalidSpec, s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour %q", ErrInvalidSpec, parts[0])
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute %q", ErrInvalidSpec, parts[1])
	}
	return hour, minute, nil
}

// Next returns the first run time strictly after now
func (s Spec) Next(now time.Time) time.Time {
	switch s.Kind {
	case KindInterval, KindConditional:
		return now.Add(s.Every)

	case KindDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case KindWeekly:
		days := (int(s.Weekday) - int(now.Weekday()) + 7) % 7
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next

	case KindMonthly:
		next := monthlyAt(now.Year(), now.Month(), s.Day, s.Hour, s.Minute, now.Location())
		if !next.After(now) {
			y, m := now.Year(), now.Month()+1
			if m > time.December {
				y, m = y+1, time.January
			}
			next = monthlyAt(y, m, s.Day, s.Hour, s.Minute, now.Location())
		}
		return next

	case KindCron:
		sched := s.sched
		if sched == nil {
			parsed, err := cronParser.Parse(s.Expr)
			if err != nil {
				return time.Time{}
			}
			sched = parsed
		}
		return sched.Next(now)
	}
	return time.Time{}
}

// monthlyAt builds the run time for a month, clamping the day to the
// month's last day so "monthly:31" still fires in February.
func monthlyAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// String renders the descriptor back into its canonical form
func (s Spec) String() string {
	switch s.Kind {
	case KindInterval, KindConditional:
		return fmt.Sprintf("%s:%s", s.Kind, s.Every)
	case KindDaily:
		return fmt.Sprintf("daily:%02d:%02d", s.Hour, s.Minute)
	case KindWeekly:
		return fmt.Sprintf("weekly:%s:%02d:%02d", strings.ToLower(s.Weekday.String()[:3]), s.Hour, s.Minute)
	case KindMonthly:
		return fmt.Sprintf("monthly:%d:%02d:%02d", s.Day, s.Hour, s.Minute)
	case KindCron:
		return fmt.Sprintf("cron:%s", s.Expr)
	}
	return ""
}
