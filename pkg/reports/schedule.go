// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reports

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eden-vertex/vertex/pkg/errors"
)

// scheduleParser accepts five-field expressions, six-field expressions with
// a leading seconds column, and @hourly style descriptors.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule compiles a cron expression in the given IANA timezone; an
// empty timezone means UTC.
func ParseSchedule(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.NewValidation("a schedule is required")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, errors.NewValidation("unknown timezone %q", timezone)
	}
	sched, err := scheduleParser.Parse(fmt.Sprintf("TZ=%s %s", timezone, expr))
	if err != nil {
		return nil, errors.NewValidation("invalid schedule %q: %v", expr, err)
	}
	return sched, nil
}

const nominalLayout = "2006-01-02 15:04:05"

// NextAfter returns the first activation strictly after last that does not
// repeat last's nominal wall-clock time in loc. A DST fall-back replays an
// hour of wall-clock time; cron resolves both occurrences, and a report that
// already ran at the first must not run again at the second.
func NextAfter(sched cron.Schedule, last time.Time, loc *time.Location) time.Time {
	next := sched.Next(last)
	if next.IsZero() {
		return next
	}
	if next.In(loc).Format(nominalLayout) == last.In(loc).Format(nominalLayout) {
		next = sched.Next(next)
	}
	return next
}

// locationFor resolves an IANA timezone already vetted by ParseSchedule,
// falling back to UTC rather than failing.
func locationFor(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
