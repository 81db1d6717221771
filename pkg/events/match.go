// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/tidwall/gjson"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
)

// matcher is the compiled form of a subscription: a type glob plus payload
// predicates. An event matches iff the glob matches its type and every
// predicate holds.
type matcher struct {
	pattern glob.Glob
	filters []model.SubscriptionFilter
}

// newMatcher compiles pattern with '.' as the segment separator and
// validates the filter set. Filter paths resolve inside the payload, so the
// predicate "payload.x == 1" is written {path: "x", op: "eq", value: 1}.
func newMatcher(pattern string, filters []model.SubscriptionFilter) (*matcher, error) {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, errors.NewValidation("subscription pattern %q does not compile: %v", pattern, err)
	}
	for _, f := range filters {
		if strings.TrimSpace(f.Path) == "" {
			return nil, errors.NewValidation("filter paths must not be empty")
		}
		if !model.KnownFilterOp(f.Op) {
			return nil, errors.NewValidation("unknown filter op %q", f.Op)
		}
		if f.Op != model.FilterExists && f.Value == nil {
			return nil, errors.NewValidation("filter %s %s needs a value", f.Path, f.Op)
		}
	}
	return &matcher{pattern: g, filters: filters}, nil
}

// matches evaluates the subscription against an event type and its canonical
// payload bytes. The caller canonicalizes once per event so every
// subscription reads the same bytes.
func (m *matcher) matches(eventType string, payload []byte) bool {
	if !m.pattern.Match(eventType) {
		return false
	}
	for _, f := range m.filters {
		if !evalFilter(payload, f) {
			return false
		}
	}
	return true
}

func evalFilter(payload []byte, f model.SubscriptionFilter) bool {
	res := gjson.GetBytes(payload, f.Path)
	switch f.Op {
	case model.FilterExists:
		return res.Exists()
	case model.FilterEq:
		return res.Exists() && resultEquals(res, f.Value)
	case model.FilterNeq:
		return !res.Exists() || !resultEquals(res, f.Value)
	case model.FilterGt, model.FilterLt:
		return res.Exists() && resultOrders(res, f.Value, f.Op)
	case model.FilterContains:
		return res.Exists() && resultContains(res, f.Value)
	}
	return false
}

// resultEquals compares a payload field against a filter literal without
// coercion across types: "1" never equals 1.
func resultEquals(res gjson.Result, want interface{}) bool {
	switch w := want.(type) {
	case nil:
		return res.Type == gjson.Null
	case bool:
		return (res.Type == gjson.True && w) || (res.Type == gjson.False && !w)
	case string:
		return res.Type == gjson.String && res.Str == w
	case float64:
		return res.Type == gjson.Number && res.Num == w
	case int:
		return res.Type == gjson.Number && res.Num == float64(w)
	case int64:
		return res.Type == gjson.Number && res.Num == float64(w)
	default:
		// Arrays and objects compare by canonical bytes.
		a, errA := model.CanonicalJSON(res.Value())
		b, errB := model.CanonicalJSON(want)
		return errA == nil && errB == nil && bytes.Equal(a, b)
	}
}

// resultOrders handles gt and lt: numeric when the field is a number,
// lexicographic when both sides are strings, false otherwise.
func resultOrders(res gjson.Result, want interface{}, op model.FilterOp) bool {
	if res.Type == gjson.Number {
		f, ok := toFloat(want)
		if !ok {
			return false
		}
		if op == model.FilterGt {
			return res.Num > f
		}
		return res.Num < f
	}
	if res.Type == gjson.String {
		s, ok := want.(string)
		if !ok {
			return false
		}
		if op == model.FilterGt {
			return res.Str > s
		}
		return res.Str < s
	}
	return false
}

// resultContains is substring match on strings and membership on arrays.
func resultContains(res gjson.Result, want interface{}) bool {
	if res.Type == gjson.String {
		return strings.Contains(res.Str, fmt.Sprint(want))
	}
	if res.IsArray() {
		found := false
		res.ForEach(func(_, v gjson.Result) bool {
			if resultEquals(v, want) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
