package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/infrastructure/config"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("SAVANTAUDIO_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: test-site
database:
  path: ""
mqtt:
  enabled: false
api:
  host: "127.0.0.1"
  port: 8090
`)
	t.Setenv("SAVANTAUDIO_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_NoConnector verifies run refuses to start without a switch client.
func TestRun_NoConnector(t *testing.T) {
	configPath := writeConfig(t, fmt.Sprintf(`
database:
  path: %q
mqtt:
  enabled: false
api:
  host: "127.0.0.1"
  port: %d
`, filepath.Join(t.TempDir(), "test.db"), freePort(t)))
	t.Setenv("SAVANTAUDIO_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without a switch client")
	}
}

// TestRun_SimulatedSwitch starts the daemon against the simulator and checks
// the YAML switch is imported and served by the API.
func TestRun_SimulatedSwitch(t *testing.T) {
	port := freePort(t)
	configPath := writeConfig(t, fmt.Sprintf(`
database:
  path: %q
mqtt:
  enabled: false
logging:
  level: error
api:
  host: "127.0.0.1"
  port: %d
savant:
  simulate: true
  scan_interval: 3600
  switches:
    - host: "10.0.0.50"
      name: "Test Switch"
      sources:
        1:
          name: "CD"
      zones:
        kitchen:
          number: 2
          name: "Kitchen"
`, filepath.Join(t.TempDir(), "test.db"), port))
	t.Setenv("SAVANTAUDIO_CONFIG", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", port)
	waitHealthy(t, base, done)

	var entries struct {
		Entries []entry.ConfigEntry `json:"entries"`
		Count   int                 `json:"count"`
	}
	getJSON(t, base+"/entries", &entries)
	if entries.Count != 1 {
		t.Fatalf("entries count = %d, want 1", entries.Count)
	}
	got := entries.Entries[0]
	if got.Source != entry.OriginImport {
		t.Errorf("entry source = %q, want %q", got.Source, entry.OriginImport)
	}
	if got.UniqueID != "SIM-1000050" {
		t.Errorf("entry unique id = %q, want SIM-1000050", got.UniqueID)
	}
	if got.State != entry.StateLoaded {
		t.Errorf("entry state = %q, want %q", got.State, entry.StateLoaded)
	}

	var entities struct {
		Count int `json:"count"`
	}
	getJSON(t, base+"/entities", &entities)
	if entities.Count == 0 {
		t.Error("expected at least one zone entity")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestSwitchEntry(t *testing.T) {
	off := false
	def := 3
	data, opts := switchEntry(config.SwitchConfig{
		Host:    "10.0.0.9",
		Name:    "Rack",
		Sources: map[int]config.SourceConfig{1: {Name: "CD"}, 2: {Name: "Tuner", Enabled: &off}},
		Zones:   map[string]config.ZoneConfig{"patio": {Number: 4, Name: "Patio", Default: &def}},
	})

	if data.Host != "10.0.0.9" || data.Name != "Rack" {
		t.Errorf("data = %+v", data)
	}
	if opts == nil {
		t.Fatal("expected options")
	}
	if !opts.Sources[1].Enabled || opts.Sources[2].Enabled {
		t.Errorf("source enabled flags = %v/%v, want true/false", opts.Sources[1].Enabled, opts.Sources[2].Enabled)
	}
	z := opts.Zones["patio"]
	if z.Number != 4 || !z.Enabled || z.Default == nil || *z.Default != 3 {
		t.Errorf("zone = %+v", z)
	}

	if _, opts := switchEntry(config.SwitchConfig{Host: "h"}); opts != nil {
		t.Errorf("options = %+v, want nil", opts)
	}
}

func TestSimulatedSerial(t *testing.T) {
	tests := map[string]string{
		"10.0.0.50":   "SIM-1000050",
		"fe80::1":     "SIM-fe801",
		"savant.lan":  "SIM-savantlan",
		"192.168.1.2": "SIM-19216812",
	}
	for host, want := range tests {
		if got := simulatedSerial(host); got != want {
			t.Errorf("simulatedSerial(%q) = %q, want %q", host, got, want)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitHealthy(t *testing.T, base string, done <-chan error) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-done:
			t.Fatalf("run() exited early: %v", err)
		default:
		}
		resp, err := http.Get(base + "/health") //nolint:noctx // test helper
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("API did not become healthy")
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
