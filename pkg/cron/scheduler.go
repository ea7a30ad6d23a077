package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule turns a schedule string into a Schedule. Accepted forms:
//
//	@every 5m                 fixed interval
//	@hourly, @daily, ...      cron descriptors
//	*/10 * * * *              5-field cron expression
//	TZ=Asia/Jakarta 0 3 * * * cron expression in a timezone
//	2026-01-02T03:04:05Z      single run at an RFC 3339 time
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, fmt.Errorf("schedule is empty")
	}

	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval: %w", err)
		}
		s := Schedule{Kind: ScheduleKindEvery, Every: every}
		if err := validate(s); err != nil {
			return Schedule{}, err
		}
		return s, nil
	}

	if at, err := time.Parse(time.RFC3339, spec); err == nil {
		return Schedule{Kind: ScheduleKindAt, At: at}, nil
	}

	s := Schedule{Kind: ScheduleKindCron, Expr: spec}
	for _, prefix := range []string{"CRON_TZ=", "TZ="} {
		if rest, ok := strings.CutPrefix(spec, prefix); ok {
			tz, expr, found := strings.Cut(rest, " ")
			if !found {
				return Schedule{}, fmt.Errorf("invalid cron expression: missing fields after %s", prefix)
			}
			s.TZ = tz
			s.Expr = strings.TrimSpace(expr)
			break
		}
	}
	if err := validate(s); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func validate(schedule Schedule) error {
	_, err := CalculateNextRun(schedule, time.Now())
	return err
}

// CalculateNextRun returns the first run time of schedule strictly after
// now. An "at" schedule always returns its fixed time, which may be in the
// past; such a job runs once, immediately.
func CalculateNextRun(schedule Schedule, now time.Time) (time.Time, error) {
	switch schedule.Kind {
	case ScheduleKindAt:
		return calculateAtSchedule(schedule)
	case ScheduleKindEvery:
		return calculateEverySchedule(schedule, now)
	case ScheduleKindCron:
		return calculateCronSchedule(schedule, now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
}

func calculateAtSchedule(schedule Schedule) (time.Time, error) {
	if schedule.At.IsZero() {
		return time.Time{}, fmt.Errorf("'at' schedule requires a time")
	}
	return schedule.At, nil
}

func calculateEverySchedule(schedule Schedule, now time.Time) (time.Time, error) {
	if schedule.Every <= 0 {
		return time.Time{}, fmt.Errorf("'every' schedule requires a positive interval")
	}

	if schedule.Anchor == nil {
		return now.Add(schedule.Every), nil
	}

	// Align to the anchor: anchor + k*every for the smallest k in the future.
	anchor := *schedule.Anchor
	if anchor.After(now) {
		return anchor, nil
	}
	periods := now.Sub(anchor) / schedule.Every
	return anchor.Add((periods + 1) * schedule.Every), nil
}

func calculateCronSchedule(schedule Schedule, now time.Time) (time.Time, error) {
	if schedule.Expr == "" {
		return time.Time{}, fmt.Errorf("'cron' schedule requires an expression")
	}

	sched, err := specParser.Parse(schedule.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	if schedule.TZ != "" {
		loc, err := time.LoadLocation(schedule.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}

	return sched.Next(now), nil
}
