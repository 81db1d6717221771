// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eden-vertex/vertex/pkg/cache"
	"github.com/eden-vertex/vertex/pkg/reports"
)

const defaultQueryTTL = 30 * time.Second

// CachedSource decorates a report data source with the two-tier cache, so
// scheduled reports sharing a query within the freshness window do not
// rescan the stores. Rows cross the cache as JSON bytes; a malformed entry
// falls through to the source.
type CachedSource struct {
	inner reports.DataSource
	cache *cache.Cache
	ttl   time.Duration
}

// NewCachedSource wraps src. A non-positive ttl falls back to 30 seconds.
func NewCachedSource(src reports.DataSource, c *cache.Cache, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = defaultQueryTTL
	}
	return &CachedSource{inner: src, cache: c, ttl: ttl}
}

// Query implements reports.DataSource. The generator interpolates params
// into the query string before calling, so (owner, query) identifies the
// result set.
func (s *CachedSource) Query(ctx context.Context, ownerID, query string, params map[string]string) ([]map[string]interface{}, error) {
	key := ownerID + "|" + query
	raw, err := s.cache.GetOrBuild(ctx, cache.ClassQueries, key, s.ttl, func(ctx context.Context) ([]byte, error) {
		rows, err := s.inner.Query(ctx, ownerID, query, params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	})
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return s.inner.Query(ctx, ownerID, query, params)
	}
	return rows, nil
}
