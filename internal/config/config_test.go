package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livecap.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
[log]
level = "debug"
color = true

[registry]
dsn = "sqlite:///tmp/livecap.db"

[probe]
url = "http://prober:7000/live"
timeout = "5s"

[bridge]
url = "http://bridge:9000"

[relay]
url = "nats://nats:4222"
subject_prefix = "livecap.streams"

[history]
clickhouse_addr = "clickhouse:9000"
table = "livecap_events"

[server]
listen = ":8080"
base_path = "/api"

[orchestrator]
interval = "2m"
resume_window = "10m"
long_resume_window = "6h"
report_delay = "10m"
heartbeat_interval = "30s"
idle_timeout = "60s"

[[tenants]]
id = "acme"
accounts = ["acct-1", "acct-2"]

[[tenants]]
id = "globex"
accounts = ["acct-9"]
`

func TestLoadValidConfig(t *testing.T) {
	fc, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if fc.Registry.DSN != "sqlite:///tmp/livecap.db" {
		t.Fatalf("registry dsn: %q", fc.Registry.DSN)
	}
	if fc.Probe.Timeout != 5*time.Second {
		t.Fatalf("probe timeout: %v", fc.Probe.Timeout)
	}
	if fc.Orchestrator.Interval != 2*time.Minute || fc.Orchestrator.LongResumeWindow != 6*time.Hour {
		t.Fatalf("orchestrator windows: %+v", fc.Orchestrator)
	}
	if fc.Log == nil || fc.Log.Level != "debug" || !fc.Log.Color {
		t.Fatalf("log config: %+v", fc.Log)
	}
	if len(fc.Tenants) != 2 || fc.Tenants[0].ID != "acme" || len(fc.Tenants[0].Accounts) != 2 {
		t.Fatalf("tenants: %+v", fc.Tenants)
	}

	tenants := fc.OrchestratorTenants()
	if len(tenants) != 2 || tenants[1].ID != "globex" {
		t.Fatalf("orchestrator tenants: %+v", tenants)
	}
	oc := fc.OrchestratorSettings()
	if oc.Worker.HeartbeatInterval != 30*time.Second || oc.Worker.IdleTimeout != time.Minute {
		t.Fatalf("worker settings: %+v", oc.Worker)
	}
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := map[string]string{
		"missing registry dsn": `
[probe]
url = "http://p"
[bridge]
url = "http://b"
`,
		"missing probe url": `
[registry]
dsn = "x.db"
[bridge]
url = "http://b"
`,
		"missing bridge url": `
[registry]
dsn = "x.db"
[probe]
url = "http://p"
`,
		"tenant without id": `
[registry]
dsn = "x.db"
[probe]
url = "http://p"
[bridge]
url = "http://b"
[[tenants]]
accounts = ["a"]
`,
		"duplicate tenant": `
[registry]
dsn = "x.db"
[probe]
url = "http://p"
[bridge]
url = "http://b"
[[tenants]]
id = "acme"
accounts = ["a"]
[[tenants]]
id = "acme"
accounts = ["b"]
`,
		"tenant without accounts": `
[registry]
dsn = "x.db"
[probe]
url = "http://p"
[bridge]
url = "http://b"
[[tenants]]
id = "acme"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
