package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/t77yq/crawl-control/internal/model"
)

const (
	defaultInterval = time.Hour
	defaultCronExpr = "0 * * * *"

	// months scanned for a day-of-month before giving up
	monthSearchLimit = 48
)

// CalculateNextRun returns the next run of a schedule after lastRun, or after
// now when the job has not run yet. A nil time means the job never runs
// again. It has no side effects.
func CalculateNextRun(st model.ScheduleType, cfg model.ScheduleConfig, lastRun *time.Time, now time.Time) (*time.Time, error) {
	base := now
	if lastRun != nil {
		base = *lastRun
	}

	var next time.Time
	switch st {
	case model.ScheduleOnce:
		if lastRun != nil {
			return nil, nil
		}
		if cfg.RunAt.IsZero() {
			return nil, fmt.Errorf("%w: once schedule needs run_at", ErrInvalidSchedule)
		}
		next = cfg.RunAt

	case model.ScheduleInterval:
		interval := cfg.Interval
		if interval == 0 {
			interval = defaultInterval
		}
		if interval < 0 {
			return nil, fmt.Errorf("%w: negative interval %s", ErrInvalidSchedule, interval)
		}
		next = base.Add(interval)

	case model.ScheduleCron:
		sched, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, err
		}
		next = sched.Next(base)

	case model.ScheduleDaily:
		if err := checkClock(cfg.Hour, cfg.Minute); err != nil {
			return nil, err
		}
		next = atClock(base, cfg.Hour, cfg.Minute)
		if !next.After(base) {
			next = atClock(base.AddDate(0, 0, 1), cfg.Hour, cfg.Minute)
		}

	case model.ScheduleWeekly:
		if err := checkClock(cfg.Hour, cfg.Minute); err != nil {
			return nil, err
		}
		if cfg.Weekday < time.Sunday || cfg.Weekday > time.Saturday {
			return nil, fmt.Errorf("%w: weekday %d", ErrInvalidSchedule, cfg.Weekday)
		}
		days := (int(cfg.Weekday) - int(base.Weekday()) + 7) % 7
		next = atClock(base.AddDate(0, 0, days), cfg.Hour, cfg.Minute)
		if !next.After(base) {
			next = atClock(base.AddDate(0, 0, days+7), cfg.Hour, cfg.Minute)
		}

	case model.ScheduleMonthly:
		if err := checkClock(cfg.Hour, cfg.Minute); err != nil {
			return nil, err
		}
		day := cfg.Day
		if day == 0 {
			day = 1
		}
		if day < 1 || day > 31 {
			return nil, fmt.Errorf("%w: day of month %d", ErrInvalidSchedule, day)
		}
		t, ok := nextMonthDay(base, day, cfg.Hour, cfg.Minute)
		if !ok {
			return nil, fmt.Errorf("%w: day of month %d never occurs", ErrInvalidSchedule, day)
		}
		next = t

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, st)
	}
	return &next, nil
}

// ParseCron parses a standard five-field expression; an empty expression
// means hourly
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		expr = defaultCronExpr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

func checkClock(hour, minute int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("%w: time of day %02d:%02d", ErrInvalidSchedule, hour, minute)
	}
	return nil
}

func atClock(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

// nextMonthDay finds the first instant after base on the given day of a
// month, skipping months too short to contain it
func nextMonthDay(base time.Time, day, hour, minute int) (time.Time, bool) {
	year, month := base.Year(), base.Month()
	for i := 0; i < monthSearchLimit; i++ {
		first := time.Date(year, month+time.Month(i), 1, 0, 0, 0, 0, base.Location())
		if daysIn(first) < day {
			continue
		}
		t := time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, base.Location())
		if t.After(base) {
			return t, true
		}
	}
	return time.Time{}, false
}

func daysIn(first time.Time) int {
	return first.AddDate(0, 1, -1).Day()
}
