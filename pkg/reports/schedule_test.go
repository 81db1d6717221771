// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reports

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/errors"
)

func TestParseScheduleValidation(t *testing.T) {
	for name, tc := range map[string]struct {
		expr     string
		timezone string
	}{
		"empty":           {"", "UTC"},
		"blank":           {"   ", "UTC"},
		"too few fields":  {"* *", "UTC"},
		"too many fields": {"* * * * * * *", "UTC"},
		"out of range":    {"61 * * * *", "UTC"},
		"unknown tz":      {"0 * * * *", "Mars/Olympus"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSchedule(tc.expr, tc.timezone)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "want validation error, got %v", err)
		})
	}

	for name, tc := range map[string]struct {
		expr     string
		timezone string
	}{
		"five fields": {"*/5 * * * *", "UTC"},
		"six fields":  {"0 */5 * * * *", "UTC"},
		"descriptor":  {"@hourly", ""},
		"named tz":    {"30 9 * * 1-5", "America/New_York"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSchedule(tc.expr, tc.timezone)
			require.NoError(t, err)
		})
	}
}

func TestParseScheduleHonorsTimezone(t *testing.T) {
	sched, err := ParseSchedule("30 9 * * *", "America/New_York")
	require.NoError(t, err)

	// 09:30 EST is 14:30 UTC in January.
	next := sched.Next(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC), next.UTC())

	// And 13:30 UTC in July, under EDT.
	next = sched.Next(time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 7, 15, 13, 30, 0, 0, time.UTC), next.UTC())
}

func TestParseScheduleDefaultsToUTC(t *testing.T) {
	sched, err := ParseSchedule("0 12 * * *", "")
	require.NoError(t, err)
	next := sched.Next(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), next.UTC())
}

// Next must be non-decreasing in its argument and strictly in the future,
// including across the Europe/Paris spring-forward transition.
func TestNextIsMonotonic(t *testing.T) {
	sched, err := ParseSchedule("30 2 * * *", "Europe/Paris")
	require.NoError(t, err)

	start := time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)
	var prev time.Time
	for i := 0; i < 72; i++ {
		at := start.Add(time.Duration(i) * time.Hour)
		next := sched.Next(at)
		require.True(t, next.After(at), "next(%s) = %s is not in the future", at, next)
		if i > 0 {
			require.False(t, next.Before(prev), "next moved backwards: next(%s) = %s < %s", at, next, prev)
		}
		prev = next
	}
}

// Advancing with NextAfter must never land on the same nominal wall-clock
// time twice, whichever side of a DST transition the schedule sits on.
func TestDSTFiresOncePerNominalTime(t *testing.T) {
	for name, tc := range map[string]struct {
		expr     string
		timezone string
		from     time.Time
	}{
		// 2024-11-03: 01:30 occurs twice in America/New_York.
		"fall back": {
			expr:     "30 1 * * *",
			timezone: "America/New_York",
			from:     time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC),
		},
		// 2024-03-31: 02:30 does not exist in Europe/Paris.
		"spring forward": {
			expr:     "30 2 * * *",
			timezone: "Europe/Paris",
			from:     time.Date(2024, 3, 29, 12, 0, 0, 0, time.UTC),
		},
	} {
		t.Run(name, func(t *testing.T) {
			sched, err := ParseSchedule(tc.expr, tc.timezone)
			require.NoError(t, err)
			loc, err := time.LoadLocation(tc.timezone)
			require.NoError(t, err)

			seen := make(map[string]struct{})
			cur := tc.from
			for i := 0; i < 5; i++ {
				next := NextAfter(sched, cur, loc)
				require.True(t, next.After(cur), "fire %d is not strictly later", i)
				nominal := next.In(loc).Format("2006-01-02 15:04")
				_, dup := seen[nominal]
				require.False(t, dup, "nominal time %s fired twice", nominal)
				seen[nominal] = struct{}{}
				cur = next
			}
		})
	}
}
