package config

import (
	"fmt"
	"time"

	"adguardsync/internal/discovery"
)

// Validate checks configuration bounds. Ranges match the deployment limits
// the application has always enforced; values outside them are almost
// always a unit mistake (milliseconds vs seconds) or a typo.
func Validate(config Config) error {
	if config.AdGuard.URL == "" {
		return fmt.Errorf("adguard.url is required")
	}
	if config.AdGuard.Password == "" {
		return fmt.Errorf("adguard password is required (set ADGUARD_PASSWORD)")
	}
	if err := intRange("adguard.maxRetries", config.AdGuard.MaxRetries, 1, 10); err != nil {
		return err
	}
	if err := durationRange("adguard.retryDelay", config.AdGuard.RetryDelay, time.Second, 60*time.Second); err != nil {
		return err
	}
	if err := durationRange("adguard.requestTimeout", config.AdGuard.RequestTimeout, time.Second, 300*time.Second); err != nil {
		return err
	}

	if err := durationRange("sync.interval", config.Sync.Interval, 5*time.Second, time.Hour); err != nil {
		return err
	}
	if err := durationRange("sync.debounce", config.Sync.Debounce, time.Second, 60*time.Second); err != nil {
		return err
	}
	if err := durationRange("sync.shutdownGrace", config.Sync.ShutdownGrace, time.Second, 30*time.Second); err != nil {
		return err
	}
	if config.Sync.SafetyThreshold < 0.1 || config.Sync.SafetyThreshold > 1.0 {
		return fmt.Errorf("sync.safetyThreshold must be between 0.1 and 1.0, got %v", config.Sync.SafetyThreshold)
	}

	if config.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if err := intRange("store.maxBackups", config.Store.MaxBackups, 1, 50); err != nil {
		return err
	}
	if err := durationRange("store.lockTimeout", config.Store.LockTimeout, time.Second, 5*time.Minute); err != nil {
		return err
	}

	switch config.Discovery.Mode {
	case discovery.ModeAuto, discovery.ModeKubernetes, discovery.ModeFile:
	default:
		return fmt.Errorf("discovery.mode must be auto, kubernetes or file, got %q", config.Discovery.Mode)
	}
	if config.Discovery.Mode == discovery.ModeFile && config.Discovery.EndpointsFile == "" {
		return fmt.Errorf("discovery.endpointsFile is required in file mode")
	}

	if err := intRange("health.port", config.Health.Port, 1024, 65535); err != nil {
		return err
	}
	if err := durationRange("health.cacheTTL", config.Health.CacheTTL, 5*time.Second, 5*time.Minute); err != nil {
		return err
	}
	if err := durationRange("health.checkTimeout", config.Health.CheckTimeout, time.Second, 60*time.Second); err != nil {
		return err
	}
	if err := intRange("health.maxConsecutiveFailures", config.Health.MaxConsecutiveFailures, 1, 10); err != nil {
		return err
	}

	return nil
}

func intRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}
	return nil
}

func durationRange(name string, value Duration, min, max time.Duration) error {
	if value.Std() < min || value.Std() > max {
		return fmt.Errorf("%s must be between %s and %s, got %s", name, min, max, value.Std())
	}
	return nil
}
