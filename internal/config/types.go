package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"adguardsync/internal/discovery"
)

// Duration wraps time.Duration so yaml values may be written either as Go
// duration strings ("30s") or as plain integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration.
type Config struct {
	AdGuard   AdGuardConfig   `yaml:"adguard"`
	Sync      SyncConfig      `yaml:"sync"`
	Store     StoreConfig     `yaml:"store"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

// AdGuardConfig is the remote server connection configuration.
type AdGuardConfig struct {
	URL            string   `yaml:"url"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password,omitempty"` // normally supplied via ADGUARD_PASSWORD
	MaxRetries     int      `yaml:"maxRetries"`
	RetryDelay     Duration `yaml:"retryDelay"`
	RequestTimeout Duration `yaml:"requestTimeout"`
}

// SyncConfig bounds reconciliation scheduling and safety.
type SyncConfig struct {
	Interval        Duration `yaml:"interval"`        // periodic fallback pass
	Debounce        Duration `yaml:"debounce"`        // quiet window after a change event
	ShutdownGrace   Duration `yaml:"shutdownGrace"`   // time an in-flight pass gets on shutdown
	SafetyThreshold float64  `yaml:"safetyThreshold"` // max deletable fraction of managed state per pass
}

// StoreConfig is the managed-state persistence configuration.
type StoreConfig struct {
	Path        string   `yaml:"path"`
	MaxBackups  int      `yaml:"maxBackups"`
	LockTimeout Duration `yaml:"lockTimeout"`
}

// DiscoveryConfig selects and parameterizes the endpoint source.
type DiscoveryConfig struct {
	Mode          discovery.Mode `yaml:"mode"`
	ClusterDomain string         `yaml:"clusterDomain"`
	EndpointsFile string         `yaml:"endpointsFile,omitempty"`
}

// HealthConfig is the health endpoint configuration.
type HealthConfig struct {
	Port                   int      `yaml:"port"`
	CacheTTL               Duration `yaml:"cacheTTL"`
	CheckTimeout           Duration `yaml:"checkTimeout"`
	MaxConsecutiveFailures int      `yaml:"maxConsecutiveFailures"`
}

// LogConfig is the logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}
