package config

import (
	"fmt"
	"net"
	"slices"

	"nhbwallet/crypto"
	"nhbwallet/observability/logging"
)

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend: timeout_seconds < 0")
	}
	if c.Backend.RequestsPerSecond < 0 || c.Backend.Burst < 0 {
		return fmt.Errorf("backend: requests_per_second and burst must not be negative")
	}
	if c.Reconcile.PollBudget < 0 {
		return fmt.Errorf("reconcile: poll_budget < 0")
	}
	if c.Reconcile.PollIntervalSeconds < 0 {
		return fmt.Errorf("reconcile: poll_interval_seconds < 0")
	}
	if !slices.Contains(crypto.SupportedWordCounts, c.Wallet.WordCount) {
		return fmt.Errorf("wallet: word_count %d is not one of %v", c.Wallet.WordCount, crypto.SupportedWordCounts)
	}
	switch c.Journal.Engine {
	case JournalLevelDB, JournalBolt:
	default:
		return fmt.Errorf("journal: unknown engine %q", c.Journal.Engine)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Telemetry.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.Telemetry.MetricsListen); err != nil {
			return fmt.Errorf("telemetry: metrics_listen: %w", err)
		}
	}
	return nil
}
