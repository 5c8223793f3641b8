package config

import (
	"time"

	"adguardsync/internal/discovery"
)

// Default returns the built-in configuration. A config file and environment
// variables override individual fields.
func Default() Config {
	return Config{
		AdGuard: AdGuardConfig{
			URL:            "http://adguard:3000",
			Username:       "admin",
			MaxRetries:     3,
			RetryDelay:     Duration(2 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
		},
		Sync: SyncConfig{
			Interval:        Duration(30 * time.Second),
			Debounce:        Duration(5 * time.Second),
			ShutdownGrace:   Duration(5 * time.Second),
			SafetyThreshold: 0.8,
		},
		Store: StoreConfig{
			Path:        "/app/data/managed_rules.json",
			MaxBackups:  5,
			LockTimeout: Duration(30 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Mode:          discovery.ModeAuto,
			ClusterDomain: "svc.cluster.local",
		},
		Health: HealthConfig{
			Port:                   8080,
			CacheTTL:               Duration(30 * time.Second),
			CheckTimeout:           Duration(10 * time.Second),
			MaxConsecutiveFailures: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
