// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   map[string]interface{}{"b": true, "a": false},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":false,"b":true},"zeta":1}`, string(out))
}

func TestCanonicalJSONNoWhitespace(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{
		"b" : [ 1 , 2 , 3 ],
		"a" : { "y" : null , "x" : "v" }
	}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":"v","y":null},"b":[1,2,3]}`, string(out))
}

func TestCanonicalJSONStableAcrossKeyOrder(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{"one":1,"two":{"x":1,"y":2}}`))
	require.NoError(t, err)
	b, err := CanonicalizeJSON([]byte(`{"two":{"y":2,"x":1},"one":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalJSONPreservesNumberForm(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"f":1.5,"i":42,"e":1e3,"neg":-0.25}`))
	require.NoError(t, err)
	assert.Equal(t, `{"e":1e3,"f":1.5,"i":42,"neg":-0.25}`, string(out))
}

func TestCanonicalJSONStrings(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"quote":   `say "hi"`,
		"slash":   `a\b`,
		"control": "line\nbreak\ttab",
		"utf8":    "héllo жult",
		"html":    "<a>&</a>",
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"control":"line\nbreak\ttab","html":"<a>&</a>","quote":"say \"hi\"","slash":"a\\b","utf8":"héllo жult"}`,
		string(out))
}

func TestCanonicalJSONScalarsAndArrays(t *testing.T) {
	for raw, want := range map[string]string{
		`"s"`:        `"s"`,
		`  true `:    `true`,
		`[2, 1, 3!]`: "", // invalid
		`null`:       `null`,
	} {
		out, err := CanonicalizeJSON([]byte(raw))
		if want == "" {
			assert.Error(t, err, raw)
			continue
		}
		require.NoError(t, err, raw)
		assert.Equal(t, want, string(out))
	}
}

func TestCanonicalizeJSONRejectsTrailingData(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestCanonicalJSONRejectsUnmarshalable(t *testing.T) {
	_, err := CanonicalJSON(map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
}
