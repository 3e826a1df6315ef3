// Package config loads the daemon configuration from a TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/silvermint/livecap/internal/logger"
	"github.com/silvermint/livecap/internal/orchestrator"
	"github.com/silvermint/livecap/internal/worker"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Log          *logger.Config     `toml:"log" mapstructure:"log"`
	Registry     RegistryConfig     `toml:"registry" mapstructure:"registry"`
	Probe        ProbeConfig        `toml:"probe" mapstructure:"probe"`
	Bridge       BridgeConfig       `toml:"bridge" mapstructure:"bridge"`
	Relay        RelayConfig        `toml:"relay" mapstructure:"relay"`
	History      HistoryConfig      `toml:"history" mapstructure:"history"`
	Server       ServerConfig       `toml:"server" mapstructure:"server"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" mapstructure:"orchestrator"`
	Tenants      []TenantConfig     `toml:"tenants" mapstructure:"tenants"`
}

// RegistryConfig selects the stream registry backend by DSN:
// "postgres://..." or a SQLite path ("sqlite:///var/lib/livecap.db" or a bare
// file path).
type RegistryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ProbeConfig struct {
	URL     string        `toml:"url" mapstructure:"url"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type BridgeConfig struct {
	URL string `toml:"url" mapstructure:"url"`
}

// RelayConfig configures the downstream event topic. With an empty URL the
// daemon falls back to the in-process relay (useful for embedding and tests).
type RelayConfig struct {
	URL           string `toml:"url" mapstructure:"url"`
	SubjectPrefix string `toml:"subject_prefix" mapstructure:"subject_prefix"`
}

// HistoryConfig configures the optional ClickHouse lifecycle-event sink.
type HistoryConfig struct {
	ClickHouseAddr string `toml:"clickhouse_addr" mapstructure:"clickhouse_addr"`
	Table          string `toml:"table" mapstructure:"table"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type OrchestratorConfig struct {
	Interval           time.Duration `toml:"interval" mapstructure:"interval"`
	ResumeWindow       time.Duration `toml:"resume_window" mapstructure:"resume_window"`
	LongResumeWindow   time.Duration `toml:"long_resume_window" mapstructure:"long_resume_window"`
	GracePeriod        time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	HeartbeatFreshness time.Duration `toml:"heartbeat_freshness" mapstructure:"heartbeat_freshness"`
	HeartbeatRetention time.Duration `toml:"heartbeat_retention" mapstructure:"heartbeat_retention"`
	ReportDelay        time.Duration `toml:"report_delay" mapstructure:"report_delay"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	IdleTimeout        time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout"`
	ConnectRetry       time.Duration `toml:"connect_retry" mapstructure:"connect_retry"`
}

type TenantConfig struct {
	ID       string   `toml:"id" mapstructure:"id"`
	Accounts []string `toml:"accounts" mapstructure:"accounts"`
}

// Load reads and validates a TOML config file.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, err
	}
	// Viper's default decode hooks already map TOML duration strings like
	// "2m" onto time.Duration fields.
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, err
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Validate checks the invariants a running daemon depends on.
func (fc FileConfig) Validate() error {
	if fc.Registry.DSN == "" {
		return fmt.Errorf("registry.dsn is required")
	}
	if fc.Probe.URL == "" {
		return fmt.Errorf("probe.url is required")
	}
	if fc.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required")
	}
	seen := make(map[string]struct{}, len(fc.Tenants))
	for _, t := range fc.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant without id")
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if len(t.Accounts) == 0 {
			return fmt.Errorf("tenant %q has no accounts", t.ID)
		}
	}
	return nil
}

// OrchestratorTenants converts the config tenants to orchestrator tenants.
func (fc FileConfig) OrchestratorTenants() []orchestrator.Tenant {
	out := make([]orchestrator.Tenant, 0, len(fc.Tenants))
	for _, t := range fc.Tenants {
		out = append(out, orchestrator.Tenant{ID: t.ID, Accounts: append([]string(nil), t.Accounts...)})
	}
	return out
}

// OrchestratorSettings maps the flat TOML section onto the orchestrator and
// worker config structs. Unset fields stay zero and pick up package defaults.
func (fc FileConfig) OrchestratorSettings() orchestrator.Config {
	oc := fc.Orchestrator
	return orchestrator.Config{
		Interval:           oc.Interval,
		ResumeWindow:       oc.ResumeWindow,
		LongResumeWindow:   oc.LongResumeWindow,
		HeartbeatRetention: oc.HeartbeatRetention,
		Worker: worker.Config{
			HeartbeatInterval: oc.HeartbeatInterval,
			IdleTimeout:       oc.IdleTimeout,
			ConnectRetry:      oc.ConnectRetry,
		},
	}
}
