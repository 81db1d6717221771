// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package notify renders templated notifications and delivers them over
// per-channel transports. Deliveries wait in a priority queue until their
// scheduled time and resolve to sent, partial or failed once every recipient
// has an outcome; retry cycles can lift partial and failed deliveries.
package notify

import (
	"regexp"
	"sort"
	"strings"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Placeholders returns the distinct placeholder names in s, in order of
// first appearance.
func Placeholders(s string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// Render substitutes {{name}} placeholders with values from params.
// Placeholders with no matching parameter render as empty.
func Render(s string, params map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return params[name]
	})
}

// RenderTemplate renders the subject and body of tpl with params. Every
// required parameter must be present; an empty value counts as provided.
func RenderTemplate(tpl *model.NotificationTemplate, params map[string]string) (subject, body string, err error) {
	var missing []string
	for _, name := range tpl.RequiredParams {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", "", errors.NewValidation("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return Render(tpl.Subject, params), Render(tpl.Body, params), nil
}
