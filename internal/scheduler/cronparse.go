package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser normalizes the spec's 5-field (minute hour dom month dow)
// expressions to 6-field by treating seconds as always "0", matching the
// Rust reference's parse_schedule_type which prepends "0 " before handing
// off to its cron crate.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextOccurrence resolves the next run time for a job's schedule_expr,
// dispatching on schedule_type (spec §4.5 "'Once' initial scheduling" /
// "Cron semantics"). This also resolves an Open Question the Rust
// reference leaves incomplete: store.rs's parse_schedule_type only
// recognizes "interval" and "once" — cron support is layered on top via
// robfig/cron/v3 (see DESIGN.md decision #3), since the store schema
// already carries schedule_expr as an opaque string regardless of type.
func NextOccurrence(scheduleType ScheduleType, expr string, after time.Time) (time.Time, error) {
	switch scheduleType {
	case ScheduleInterval:
		secs, err := strconv.ParseUint(strings.TrimSpace(expr), 10, 64)
		if err != nil {
			return time.Time{}, &InvalidScheduleError{Detail: fmt.Sprintf("interval schedule %q is not a non-negative integer of seconds: %v", expr, err)}
		}
		return after.Add(time.Duration(secs) * time.Second).UTC(), nil
	case ScheduleOnce:
		return parseOnceExpr(expr, after)
	case ScheduleCron:
		loc, fields, err := splitCronTimezone(expr)
		if err != nil {
			return time.Time{}, err
		}
		sched, err := cronParser.Parse("0 " + fields)
		if err != nil {
			return time.Time{}, &InvalidScheduleError{Detail: fmt.Sprintf("cron schedule %q invalid: %v", expr, err)}
		}
		return sched.Next(after.In(loc)).UTC(), nil
	default:
		return time.Time{}, &InvalidScheduleError{Detail: fmt.Sprintf("unknown schedule_type %q", scheduleType)}
	}
}

// splitCronTimezone strips a leading "TZ|" prefix (spec §4.5 "Cron
// semantics"), defaulting to UTC when absent.
func splitCronTimezone(expr string) (*time.Location, string, error) {
	tzPart, fields, ok := strings.Cut(expr, "|")
	if !ok || !strings.HasPrefix(strings.ToUpper(tzPart), "TZ") {
		return time.UTC, expr, nil
	}
	name := strings.TrimSpace(tzPart[len("TZ"):])
	if name == "" {
		return time.UTC, fields, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, "", &InvalidScheduleError{Detail: fmt.Sprintf("unknown timezone %q: %v", name, err)}
	}
	return loc, fields, nil
}

// parseOnceExpr resolves a "once" schedule's expr: a relative "in <dur>"
// phrase, a bare duration, or an absolute RFC3339 timestamp (spec §4.5).
// An empty expr means "run at the next tick" (expr is not yet resolved to
// an absolute time).
func parseOnceExpr(expr string, after time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return after.UTC(), nil
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(expr), "in "); ok {
		d, err := time.ParseDuration(strings.ReplaceAll(strings.TrimSpace(rest), " ", ""))
		if err != nil {
			return time.Time{}, &InvalidScheduleError{Detail: fmt.Sprintf("once schedule %q is not a relative duration: %v", expr, err)}
		}
		return after.Add(d).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(expr); err == nil {
		return after.Add(d).UTC(), nil
	}
	return time.Time{}, &InvalidScheduleError{Detail: fmt.Sprintf("once schedule %q is neither RFC3339 nor a duration", expr)}
}

// IsOneShot reports whether a completed execution of this schedule type
// should disable the job rather than reschedule it.
func IsOneShot(t ScheduleType) bool { return t == ScheduleOnce }
