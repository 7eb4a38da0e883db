package mesh

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the full configuration file
type Config struct {
	MapService MapServiceConfig `yaml:"mapService" json:"mapService"`
	Planning   PlanningConfig   `yaml:"planning" json:"planning"`
	Radio      RadioConfig      `yaml:"radio" json:"radio"`
	Solver     SolverConfig     `yaml:"solver" json:"solver"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Archive    ArchiveConfig    `yaml:"archive" json:"archive"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb" json:"influxdb"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
}

// MapServiceConfig points at the room polygon API
type MapServiceConfig struct {
	BaseURL    string        `yaml:"baseURL" json:"baseURL"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"maxRetries" json:"maxRetries"`
}

// PlanningConfig holds the defaults for requests that do not set them
type PlanningConfig struct {
	GridResolution float64 `yaml:"gridResolution" json:"gridResolution"` // meters
	MaxPathLoss    float64 `yaml:"maxPathLoss" json:"maxPathLoss"`       // dB
}

// RadioConfig is the YAML form of RadioModel plus the wall tolerance used when
// merging rooms.
type RadioConfig struct {
	FrequencyMHz      float64            `yaml:"frequencyMHz" json:"frequencyMHz"`
	PathLossExponent  float64            `yaml:"pathLossExponent" json:"pathLossExponent"`
	Offset            float64            `yaml:"offset" json:"offset"`
	MinDistance       float64            `yaml:"minDistance" json:"minDistance"`
	CrossingTolerance float64            `yaml:"crossingTolerance" json:"crossingTolerance"`
	WallTolerance     float64            `yaml:"wallTolerance" json:"wallTolerance"`
	Simplify          float64            `yaml:"simplify,omitempty" json:"simplify,omitempty"`
	DefaultMaterial   string             `yaml:"defaultMaterial" json:"defaultMaterial"`
	Penalties         map[string]float64 `yaml:"penalties" json:"penalties"`
}

// SolverConfig bounds the cover search
type SolverConfig struct {
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	MaxNodes int           `yaml:"maxNodes" json:"maxNodes"`
	Workers  int           `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig configures the embedded server
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// ArchiveConfig enables the SQLite plan archive. An empty path disables it.
type ArchiveConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// InfluxDBConfig configures the plan statistics sink
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	Token         string `yaml:"token,omitempty" json:"-"`
	Org           string `yaml:"org" json:"org"`
	Bucket        string `yaml:"bucket" json:"bucket"`
	BatchSize     int    `yaml:"batchSize" json:"batchSize"`
	FlushInterval int    `yaml:"flushInterval" json:"flushInterval"` // seconds
}

// TracingConfig configures OpenTelemetry spans for planning runs
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"serviceName" json:"serviceName"`
	Exporter    string  `yaml:"exporter" json:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	model := DefaultRadioModel()
	penalties := make(map[string]float64, len(model.Penalties))
	for m, p := range model.Penalties {
		penalties[string(m)] = p
	}

	return &Config{
		MapService: MapServiceConfig{
			BaseURL:    DefaultMapServiceURL,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Planning: PlanningConfig{
			GridResolution: 2.0,
			MaxPathLoss:    83,
		},
		Radio: RadioConfig{
			FrequencyMHz:      model.FrequencyMHz,
			PathLossExponent:  model.PathLossExponent,
			Offset:            model.Offset,
			MinDistance:       model.MinDistance,
			CrossingTolerance: model.CrossingTolerance,
			WallTolerance:     DefaultWallTolerance,
			DefaultMaterial:   string(model.DefaultMaterial),
			Penalties:         penalties,
		},
		Solver: SolverConfig{
			Timeout:  60 * time.Second,
			MaxNodes: DefaultMaxNodes,
		},
		MQTT: MQTTConfig{
			PublishPrefix: "apmesh",
			ClientID:      "apmesh",
		},
		HTTP: HTTPConfig{Port: 8000},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "apmesh",
			Bucket:        "apmesh",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Tracing: TracingConfig{
			ServiceName: "apmesh",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// LoadConfig loads the configuration from a YAML file. Keys missing from the
// file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate reports the first out-of-range value
func (c *Config) Validate() error {
	if c.MapService.BaseURL == "" {
		return fmt.Errorf("mapService.baseURL is required")
	}
	if c.MapService.MaxRetries < 0 {
		return fmt.Errorf("mapService.maxRetries must be >= 0, got %d", c.MapService.MaxRetries)
	}
	if c.Planning.GridResolution <= 0 {
		return fmt.Errorf("planning.gridResolution must be > 0, got %v", c.Planning.GridResolution)
	}
	if c.Planning.MaxPathLoss <= 0 {
		return fmt.Errorf("planning.maxPathLoss must be > 0, got %v", c.Planning.MaxPathLoss)
	}
	if c.Radio.WallTolerance < 0 {
		return fmt.Errorf("radio.wallTolerance must be >= 0, got %v", c.Radio.WallTolerance)
	}
	if c.Radio.Simplify < 0 {
		return fmt.Errorf("radio.simplify must be >= 0, got %v", c.Radio.Simplify)
	}
	if err := c.RadioModel().Validate(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if c.Solver.Timeout < 0 {
		return fmt.Errorf("solver.timeout must be >= 0, got %v", c.Solver.Timeout)
	}
	if c.Solver.MaxNodes < 0 {
		return fmt.Errorf("solver.maxNodes must be >= 0, got %d", c.Solver.MaxNodes)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in 0..65535, got %d", c.HTTP.Port)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleRatio must be in 0..1, got %v", c.Tracing.SampleRatio)
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be stdout or otlp, got %q", c.Tracing.Exporter)
	}
	return nil
}

// RadioModel converts the radio section into the immutable model value
func (c *Config) RadioModel() RadioModel {
	penalties := make(map[Material]float64, len(c.Radio.Penalties))
	for m, p := range c.Radio.Penalties {
		penalties[Material(m)] = p
	}
	return RadioModel{
		FrequencyMHz:      c.Radio.FrequencyMHz,
		PathLossExponent:  c.Radio.PathLossExponent,
		Offset:            c.Radio.Offset,
		MinDistance:       c.Radio.MinDistance,
		CrossingTolerance: c.Radio.CrossingTolerance,
		DefaultMaterial:   Material(c.Radio.DefaultMaterial),
		Penalties:         penalties,
	}
}

// FloorOptions returns the geometry options for BuildFloor
func (c *Config) FloorOptions() FloorOptions {
	return FloorOptions{
		WallTolerance: c.Radio.WallTolerance,
		Simplify:      c.Radio.Simplify,
		Validate:      true,
	}
}

// PlanningDefaults replaces zero or negative command line values with the
// configured planning defaults
func (c *Config) PlanningDefaults(gridResolution, maxPathLoss float64) (float64, float64) {
	if gridResolution <= 0 {
		gridResolution = c.Planning.GridResolution
	}
	if maxPathLoss <= 0 {
		maxPathLoss = c.Planning.MaxPathLoss
	}
	return gridResolution, maxPathLoss
}

// PlanRequest builds a request with the configured radio, floor and solver
// settings. The resolution and loss budget are used as given.
func (c *Config) PlanRequest(gridResolution, maxPathLoss float64) PlanRequest {
	return PlanRequest{
		GridResolution: gridResolution,
		MaxPathLoss:    maxPathLoss,
		Radio:          c.RadioModel(),
		Floor:          c.FloorOptions(),
		Coverage:       CoverageOptions{Workers: c.Solver.Workers},
	}
}

// Planner returns a planner using the configured solver limits
func (c *Config) Planner(observer PlanObserver) *Planner {
	return &Planner{
		Solver:   BranchAndBound{MaxNodes: c.Solver.MaxNodes},
		Observer: observer,
	}
}
