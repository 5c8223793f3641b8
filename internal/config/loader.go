package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"adguardsync/internal/discovery"
	"adguardsync/pkg/logging"
)

// Load builds the effective configuration: defaults, overridden by the yaml
// file at path (if any), overridden by environment variables. The result is
// validated before being returned.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logging.Info("Config", "No config file at %s, using defaults", path)
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			logging.Info("Config", "Loaded configuration from %s", path)
		}
	}

	applyEnvironment(&config)

	if err := Validate(config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// applyEnvironment overlays environment variables. Duration variables take
// integer seconds, matching the container deployment convention.
func applyEnvironment(config *Config) {
	envString(&config.AdGuard.URL, "ADGUARD_URL")
	envString(&config.AdGuard.Username, "ADGUARD_USERNAME")
	envString(&config.AdGuard.Password, "ADGUARD_PASSWORD")
	envInt(&config.AdGuard.MaxRetries, "ADGUARD_MAX_RETRIES")
	envSeconds(&config.AdGuard.RetryDelay, "ADGUARD_RETRY_DELAY")
	envSeconds(&config.AdGuard.RequestTimeout, "ADGUARD_REQUEST_TIMEOUT")
	envFloat(&config.Sync.SafetyThreshold, "ADGUARD_SAFETY_THRESHOLD")

	envSeconds(&config.Sync.Interval, "SYNC_INTERVAL")
	envSeconds(&config.Sync.Debounce, "APP_CHANGE_WAIT_TIME")
	envSeconds(&config.Sync.ShutdownGrace, "APP_THREAD_JOIN_TIMEOUT")
	envInt(&config.Health.Port, "APP_HEALTH_SERVER_PORT")

	envString(&config.Store.Path, "DB_FILE")
	envInt(&config.Store.MaxBackups, "DB_MAX_BACKUPS")
	envSeconds(&config.Store.LockTimeout, "DB_LOCK_TIMEOUT")

	if mode := os.Getenv("DISCOVERY_MODE"); mode != "" {
		config.Discovery.Mode = discovery.Mode(mode)
	}
	envString(&config.Discovery.ClusterDomain, "CLUSTER_DOMAIN")
	envString(&config.Discovery.EndpointsFile, "ENDPOINTS_FILE")

	envSeconds(&config.Health.CacheTTL, "HEALTH_CACHE_DURATION")
	envSeconds(&config.Health.CheckTimeout, "HEALTH_CHECK_TIMEOUT")
	envInt(&config.Health.MaxConsecutiveFailures, "HEALTH_MAX_CONSECUTIVE_FAILURES")

	envString(&config.Log.Level, "LOG_LEVEL")
}

func envString(target *string, name string) {
	if value := os.Getenv(name); value != "" {
		*target = value
	}
}

func envInt(target *int, name string) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Config", "Ignoring %s=%q: not an integer", name, value)
		return
	}
	*target = parsed
}

func envFloat(target *float64, name string) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logging.Warn("Config", "Ignoring %s=%q: not a number", name, value)
		return
	}
	*target = parsed
}

func envSeconds(target *Duration, name string) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Config", "Ignoring %s=%q: not an integer number of seconds", name, value)
		return
	}
	*target = Duration(time.Duration(parsed) * time.Second)
}
