package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoadFromYAML feeds random YAML through the config loader to find panics,
// unhandled errors, or unexpected behaviour in the parsing and validation logic.
func FuzzLoadFromYAML(f *testing.F) {
	// Seed corpus with a minimal valid config.
	f.Add([]byte(`
server:
  address: ":5000"
federation:
  region: "usw"
redis:
  endpoints: ["localhost:6379"]
`))
	// Seed with empty YAML.
	f.Add([]byte(``))
	// Seed with deeply nested structure.
	f.Add([]byte(`
server:
  address: ":0"
  read_timeout: "1s"
  write_timeout: "1s"
  idle_timeout: "1s"
  max_frame_bytes: 1048576
  socket_idle_timeout: "60s"
  send_buffer: 32
admin:
  address: ":9090"
  password: "admin-secret"
auth:
  scheme: challenge
federation:
  region: "euc"
  peers:
    usw: "https://usw.relay.example.dev"
    aps: "https://aps.relay.example.dev"
  timeout: "2s"
rate_limit:
  window: "10m"
  max_failures: 5
  max_entries: 1000
sweep:
  cache_interval: "15m"
  ledger_interval: "12h"
redis:
  endpoints: ["redis:6379"]
  password: "secret"
entity_redis:
  endpoints: ["entity:6379"]
  mode: single
tracing:
  enabled: true
  endpoint: "otel:4318"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		// We don't care about errors — we're looking for panics.
		_, _ = LoadFromPath(path)
	})
}
