// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package health tracks the liveness of the hub's background loops. Each
// loop registers once, then pings while it runs; a loop that stops pinging
// for longer than its timeout turns up in the unhealthy list, which is what
// /health and /ready report on.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/eden-vertex/vertex/pkg/util/log"
)

// DefaultPingFreq holds the preferred time between two pings.
const DefaultPingFreq = 15 * time.Second

// DefaultTimeout holds the duration after which a silent component counts
// as unhealthy (twice DefaultPingFreq).
const DefaultTimeout = 30 * time.Second

// ID tokens are returned when registering and are to be used when pinging.
type ID string

// Status lists registered components by their current liveness.
type Status struct {
	Healthy   []string `json:"healthy"`
	Unhealthy []string `json:"unhealthy"`
}

// Live reports whether every registered component is healthy.
func (s Status) Live() bool { return len(s.Unhealthy) == 0 }

type component struct {
	name       string
	timeout    time.Duration
	latestPing time.Time
}

type componentCatalog struct {
	sync.RWMutex
	components map[ID]*component
}

var catalog = componentCatalog{
	components: make(map[ID]*component),
}

// Register a component with the default timeout, returns a token. A new
// component counts as unhealthy until its first ping so readiness flips
// only once every loop is actually running.
func Register(name string) ID {
	return RegisterWithCustomTimeout(name, DefaultTimeout)
}

// RegisterWithCustomTimeout allows registering with a custom timeout.
func RegisterWithCustomTimeout(name string, timeout time.Duration) ID {
	catalog.Lock()
	defer catalog.Unlock()

	id := ID(name)
	_, taken := catalog.components[id]
	if taken {
		for n := 2; n < 100; n++ {
			// Loop to 99 to avoid introducing an infinite loop.
			newid := ID(fmt.Sprintf("%s-%d", name, n))
			_, taken = catalog.components[newid]
			if !taken {
				id = newid
				break
			}
		}
		if taken {
			log.Errorf("Failed to find a unique health token for component %s", name)
		}
	}

	catalog.components[id] = &component{
		name:       name,
		timeout:    timeout,
		latestPing: time.Now().Add(-2 * timeout),
	}

	return id
}

// Deregister removes a component; stopped loops call this so a clean
// shutdown does not read as an outage.
func Deregister(token ID) error {
	catalog.Lock()
	defer catalog.Unlock()
	if _, found := catalog.components[token]; !found {
		return fmt.Errorf("component %s not registered", token)
	}
	delete(catalog.components, token)
	return nil
}

// Ping is to be called regularly by components to signal they are still alive.
func Ping(token ID) error {
	return registerPing(token, time.Now())
}

// registerPing is private and used for unit testing.
func registerPing(token ID, timestamp time.Time) error {
	catalog.Lock()
	defer catalog.Unlock()
	c, found := catalog.components[token]
	if !found {
		return fmt.Errorf("component %s not registered", token)
	}
	c.latestPing = timestamp
	return nil
}

// GetStatus returns the current liveness of every registered component.
func GetStatus() Status {
	status := Status{Healthy: []string{}, Unhealthy: []string{}}
	now := time.Now()

	catalog.RLock()
	defer catalog.RUnlock()

	for _, c := range catalog.components {
		if c.latestPing.IsZero() {
			log.Warnf("Component %q has no ping timestamp, considering it unhealthy", c.name)
			status.Unhealthy = append(status.Unhealthy, c.name)
			continue
		}
		if now.After(c.latestPing.Add(c.timeout)) {
			status.Unhealthy = append(status.Unhealthy, c.name)
		} else {
			status.Healthy = append(status.Healthy, c.name)
		}
	}
	return status
}

// reset is used for unit testing.
func reset() {
	catalog.Lock()
	for token := range catalog.components {
		delete(catalog.components, token)
	}
	catalog.Unlock()
}
