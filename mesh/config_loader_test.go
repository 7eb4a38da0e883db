package mesh

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `mapService:
  baseURL: http://maps.local
  timeout: 5s
  maxRetries: 1
planning:
  gridResolution: 1.5
  maxPathLoss: 90
radio:
  penalties:
    concrete: 4
    glass: 1
solver:
  timeout: 10s
  maxNodes: 5000
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: apmesh-test
http:
  port: 9090
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, validConfigYAML())

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MapService.BaseURL != "http://maps.local" {
		t.Errorf("BaseURL = %q, want %q", cfg.MapService.BaseURL, "http://maps.local")
	}
	if cfg.MapService.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.MapService.Timeout)
	}
	if cfg.Planning.GridResolution != 1.5 {
		t.Errorf("GridResolution = %v, want 1.5", cfg.Planning.GridResolution)
	}
	if cfg.Solver.MaxNodes != 5000 {
		t.Errorf("MaxNodes = %d, want 5000", cfg.Solver.MaxNodes)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Radio.Penalties["concrete"] != 4 {
		t.Errorf("concrete penalty = %v, want 4", cfg.Radio.Penalties["concrete"])
	}
	if cfg.Radio.Penalties["glass"] != 1 {
		t.Errorf("glass penalty = %v, want 1", cfg.Radio.Penalties["glass"])
	}
}

func TestLoadConfig_MissingKeysKeepDefaults(t *testing.T) {
	path := writeConfig(t, "planning:\n  maxPathLoss: 70\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Planning.MaxPathLoss != 70 {
		t.Errorf("MaxPathLoss = %v, want 70", cfg.Planning.MaxPathLoss)
	}
	if cfg.Planning.GridResolution != def.Planning.GridResolution {
		t.Errorf("GridResolution = %v, want default %v", cfg.Planning.GridResolution, def.Planning.GridResolution)
	}
	if cfg.Radio.FrequencyMHz != 5200 {
		t.Errorf("FrequencyMHz = %v, want 5200", cfg.Radio.FrequencyMHz)
	}
	if cfg.MapService.BaseURL != DefaultMapServiceURL {
		t.Errorf("BaseURL = %q, want default", cfg.MapService.BaseURL)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero resolution", "planning:\n  gridResolution: 0\n", "gridResolution"},
		{"negative loss", "planning:\n  maxPathLoss: -3\n", "maxPathLoss"},
		{"negative wall tolerance", "radio:\n  wallTolerance: -0.1\n", "wallTolerance"},
		{"zero frequency", "radio:\n  frequencyMHz: 0\n", "radio"},
		{"unknown default material", "radio:\n  defaultMaterial: glass\n", "radio"},
		{"negative retries", "mapService:\n  maxRetries: -1\n", "maxRetries"},
		{"bad port", "http:\n  port: 70000\n", "http.port"},
		{"influx without bucket", "influxdb:\n  enabled: true\n  bucket: \"\"\n", "influxdb.url"},
		{"sample ratio above one", "tracing:\n  sampleRatio: 1.5\n", "sampleRatio"},
		{"unknown exporter", "tracing:\n  exporter: jaeger\n", "tracing.exporter"},
		{"bad yaml", "planning: [\n", "parsing config YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

// ---------------------------------------------------------------------------
// SaveConfig
// ---------------------------------------------------------------------------

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Planning.MaxPathLoss = 77
	cfg.Solver.Timeout = 90 * time.Second

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Planning.MaxPathLoss != 77 {
		t.Errorf("MaxPathLoss = %v, want 77", loaded.Planning.MaxPathLoss)
	}
	if loaded.Solver.Timeout != 90*time.Second {
		t.Errorf("Solver.Timeout = %v, want 1m30s", loaded.Solver.Timeout)
	}
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func TestConfig_RadioModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Radio.Penalties["wood"] = 5

	m := cfg.RadioModel()
	if m.Penalty(Wood) != 5 {
		t.Errorf("wood penalty = %v, want 5", m.Penalty(Wood))
	}
	if m.DefaultMaterial != Concrete {
		t.Errorf("DefaultMaterial = %q, want concrete", m.DefaultMaterial)
	}

	// The model owns its penalties
	cfg.Radio.Penalties["wood"] = 9
	if m.Penalty(Wood) != 5 {
		t.Error("RadioModel shares the config's penalty map")
	}
}

func TestConfig_PlanningDefaults(t *testing.T) {
	cfg := DefaultConfig()

	gres, loss := cfg.PlanningDefaults(0, -1)
	if gres != cfg.Planning.GridResolution || loss != cfg.Planning.MaxPathLoss {
		t.Errorf("PlanningDefaults(0, -1) = %v, %v", gres, loss)
	}
	gres, loss = cfg.PlanningDefaults(0.5, 95)
	if gres != 0.5 || loss != 95 {
		t.Errorf("PlanningDefaults(0.5, 95) = %v, %v", gres, loss)
	}
}

func TestConfig_PlanRequest(t *testing.T) {
	cfg := DefaultConfig()

	// No silent defaults at request level
	req := cfg.PlanRequest(0, 0)
	if err := req.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("PlanRequest(0, 0).Validate() = %v, want ErrInvalidInput", err)
	}

	req = cfg.PlanRequest(0.5, 95)
	if req.GridResolution != 0.5 || req.MaxPathLoss != 95 {
		t.Errorf("overrides not applied: %+v", req)
	}
	if req.Floor.WallTolerance != DefaultWallTolerance || !req.Floor.Validate {
		t.Errorf("floor options = %+v", req.Floor)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	bad := PlanRequest{GridResolution: 1, MaxPathLoss: 80}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("zero radio model: Validate() = %v, want ErrInvalidInput", err)
	}
}

func TestConfig_Planner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Solver.MaxNodes = 10

	p := cfg.Planner(nil)
	bb, ok := p.Solver.(BranchAndBound)
	if !ok {
		t.Fatalf("Solver = %T, want BranchAndBound", p.Solver)
	}
	if bb.MaxNodes != 10 {
		t.Errorf("MaxNodes = %d, want 10", bb.MaxNodes)
	}
}

func TestConfig_RequestTopic(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	cfg := DefaultConfig()
	if got := cfg.RequestTopic(); got != "apmesh/requests" {
		t.Errorf("RequestTopic() = %q", got)
	}

	t.Setenv("MQTT_PUBLISH_PREFIX", "site7")
	if got := cfg.RequestTopic(); got != "site7/requests" {
		t.Errorf("RequestTopic() with env = %q", got)
	}
}
