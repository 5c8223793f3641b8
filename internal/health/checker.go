package health

import (
	"context"
	"sync"
	"time"

	"adguardsync/internal/discovery"
	"adguardsync/internal/reconciler"
	"adguardsync/pkg/logging"
)

// StatusClient is the probe surface of the remote DNS server.
type StatusClient interface {
	Status(ctx context.Context) error
}

// Config bounds health checking behaviour.
type Config struct {
	// CacheTTL is how long a component check result stays valid before the
	// component is probed again.
	CacheTTL time.Duration

	// CheckTimeout bounds each individual component probe.
	CheckTimeout time.Duration

	// MaxConsecutiveFailures is how many probe failures in a row a
	// component may accumulate before it is reported unhealthy. Tolerates
	// isolated blips without flapping the health endpoint.
	MaxConsecutiveFailures int
}

// ComponentStatus is the reported state of one dependency.
type ComponentStatus struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"lastChecked"`
	Error       string    `json:"error,omitempty"`
}

// SyncStats aggregates reconciliation results across passes. Results are
// delivered by the caller after each pass; nothing here is shared with the
// reconciler.
type SyncStats struct {
	Passes     int       `json:"passes"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Deleted    int       `json:"deleted"`
	Unchanged  int       `json:"unchanged"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	LastPassID string    `json:"lastPassId,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
}

// Report is the full health endpoint payload.
type Report struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentStatus `json:"components"`
	Sync       SyncStats                  `json:"sync"`
}

type componentState struct {
	healthy             bool
	lastChecked         time.Time
	lastError           string
	consecutiveFailures int

	// probing marks an in-flight probe so concurrent reports do not run a
	// second one and double-count a single failure window.
	probing bool
}

// Checker probes the AdGuard server and the discovery source, caching
// results so the health endpoint stays cheap under probe pressure.
type Checker struct {
	adguard StatusClient
	source  discovery.Source
	config  Config

	mu         sync.Mutex
	components map[string]*componentState
	stats      SyncStats
	startedAt  time.Time
}

// NewChecker creates a health checker.
func NewChecker(adguard StatusClient, source discovery.Source, config Config) *Checker {
	return &Checker{
		adguard: adguard,
		source:  source,
		config:  config,
		components: map[string]*componentState{
			"adguard":   {},
			"discovery": {},
		},
		startedAt: time.Now(),
	}
}

// Record folds one pass result into the aggregated counters.
func (c *Checker) Record(result reconciler.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Passes++
	c.stats.Created += result.Created
	c.stats.Updated += result.Updated
	c.stats.Deleted += result.Deleted
	c.stats.Unchanged += result.Unchanged
	c.stats.Skipped += result.Skipped
	c.stats.Errors += len(result.Errors)
	c.stats.LastPassID = result.PassID
	c.stats.LastSyncAt = time.Now().UTC()
}

// Report runs (possibly cached) component checks and assembles the payload.
func (c *Checker) Report(ctx context.Context) Report {
	c.check(ctx, "adguard", func(ctx context.Context) error { return c.adguard.Status(ctx) })
	c.check(ctx, "discovery", c.source.Check)

	c.mu.Lock()
	defer c.mu.Unlock()

	components := make(map[string]ComponentStatus, len(c.components))
	healthy := true
	for name, state := range c.components {
		reportedHealthy := state.healthy || state.consecutiveFailures < c.config.MaxConsecutiveFailures
		if !reportedHealthy {
			healthy = false
		}
		components[name] = ComponentStatus{
			Healthy:     reportedHealthy,
			LastChecked: state.lastChecked,
			Error:       state.lastError,
		}
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return Report{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(c.startedAt).Round(time.Second).String(),
		Components: components,
		Sync:       c.stats,
	}
}

func (c *Checker) check(ctx context.Context, name string, probe func(ctx context.Context) error) {
	c.mu.Lock()
	state := c.components[name]
	fresh := !state.lastChecked.IsZero() && time.Since(state.lastChecked) < c.config.CacheTTL
	if fresh || state.probing {
		c.mu.Unlock()
		return
	}
	state.probing = true
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	err := probe(probeCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	state.probing = false
	state.lastChecked = time.Now()
	if err != nil {
		state.healthy = false
		state.lastError = err.Error()
		state.consecutiveFailures++
		logging.Warn("Health", "Check %s failed (%d consecutive): %v", name, state.consecutiveFailures, err)
		return
	}
	state.healthy = true
	state.lastError = ""
	state.consecutiveFailures = 0
}
