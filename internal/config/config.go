// Package config provides configuration loading, validation, and hot-reload
// for the observatory sequencer.
//
// Configuration file: path given on the command line (default
// ./rollroof.yaml)
// Schema version: 1
//
// Hot-reload:
//   - Runner listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate the config file, and log the new
//     log level, waittime, maxwait and max_allowed_errors.
//   - No reloaded value is applied to the running sequencer; every change
//     takes effect on the next start.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The runner does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. height >= 0, max_allowed_errors >= 0).
//   - Invalid config on startup: runner refuses to start (exit code 1).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	Name string `yaml:"name"`
	OTA  string `yaml:"ota"`

	Site         SiteConfig         `yaml:"site"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	StateMachine StateMachineConfig `yaml:"state_machine"`
	Devices      DevicesConfig      `yaml:"devices"`
	Storage      StorageConfig      `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator     OperatorConfig     `yaml:"operator"`
}

// SiteConfig is the observatory's geodetic location and horizon profile.
type SiteConfig struct {
	LatDeg  float64 `yaml:"lat"`
	LonDeg  float64 `yaml:"lon"`
	HeightM float64 `yaml:"height"`

	// HorizonDeg is a scalar minimum altitude, used when HorizonFile is
	// empty.
	HorizonDeg float64 `yaml:"horizon"`

	// HorizonFile is a CSV path (header "az,h") overriding HorizonDeg with
	// an azimuth-sampled table.
	HorizonFile string `yaml:"horizon_file"`

	// LocationFile is parsed but not read by the runner; the inline
	// Lat/Lon/HeightM fields are always used.
	LocationFile string `yaml:"location_file"`
}

// SchedulerConfig holds optional state-machine document paths; the FIFO
// scheduler takes its queue from the runner's caller, not from here.
type SchedulerConfig struct {
	// StatesFile/TransitionsFile optionally point at YAML documents
	// describing the states and transitions. They are parsed but neither
	// read nor validated; the compiled table in internal/statemachine is
	// the only table used at runtime.
	StatesFile      string `yaml:"states_file"`
	TransitionsFile string `yaml:"transitions_file"`
}

// StateMachineConfig holds the sequencer's timing and budget knobs.
type StateMachineConfig struct {
	InitialState     string        `yaml:"initial_state"`
	WaitTime         time.Duration `yaml:"waittime"`
	MaxWait          time.Duration `yaml:"maxwait"`
	MaxAllowedErrors int           `yaml:"max_allowed_errors"`
}

// DeviceConfig names one device's backing tag (resolved through the
// factory registry) plus its simulator/hardware-specific options blob,
// left as a raw YAML node so each factory can decode only what it
// understands.
type DeviceConfig struct {
	Tag    string    `yaml:"tag"`
	Config yaml.Node `yaml:"config"`
}

// DevicesConfig is the full device set: weather, roof, telescope,
// instrument, and an aligned detector/detector-config list.
type DevicesConfig struct {
	Weather    DeviceConfig   `yaml:"weather"`
	Roof       DeviceConfig   `yaml:"roof"`
	Telescope  DeviceConfig   `yaml:"telescope"`
	Instrument DeviceConfig   `yaml:"instrument"`
	Detectors  []DeviceConfig `yaml:"detectors"`
}

// StorageConfig holds the per-night BoltDB ledger's directory; the
// ledger is opened fresh per UTC night and never reused across
// restarts.
type StorageConfig struct {
	DataDir string `yaml:"datadir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr     string `yaml:"metrics_addr"`
	LogLevelConsole string `yaml:"loglevel_console"`
	LogFile         string `yaml:"logfile"`
	LogLevelFile    string `yaml:"loglevel_file"`
	LogFormat       string `yaml:"log_format"`
}

// OperatorConfig holds the operator override socket's parameters.
type OperatorConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Name:          "rollroof",
		StateMachine: StateMachineConfig{
			InitialState:     "sleeping",
			WaitTime:         30 * time.Second,
			MaxWait:          20 * time.Minute,
			MaxAllowedErrors: 5,
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Observability: ObservabilityConfig{
			MetricsAddr:     "127.0.0.1:9091",
			LogLevelConsole: "info",
			LogLevelFile:    "info",
			LogFormat:       "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/rollroof/operator.sock",
		},
	}
}

// DefaultDataDir is the default data directory used in config defaults.
const DefaultDataDir = "/var/lib/rollroof"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Name == "" {
		errs = append(errs, "name must not be empty")
	}
	if cfg.Site.LatDeg < -90 || cfg.Site.LatDeg > 90 {
		errs = append(errs, fmt.Sprintf("site.lat must be in [-90, 90], got %f", cfg.Site.LatDeg))
	}
	if cfg.Site.LonDeg < -180 || cfg.Site.LonDeg > 180 {
		errs = append(errs, fmt.Sprintf("site.lon must be in [-180, 180], got %f", cfg.Site.LonDeg))
	}
	if cfg.Site.HeightM < 0 {
		errs = append(errs, fmt.Sprintf("site.height must be >= 0, got %f", cfg.Site.HeightM))
	}
	if cfg.StateMachine.WaitTime < 0 {
		errs = append(errs, fmt.Sprintf("state_machine.waittime must be >= 0, got %s", cfg.StateMachine.WaitTime))
	}
	if cfg.StateMachine.MaxWait <= 0 {
		errs = append(errs, fmt.Sprintf("state_machine.maxwait must be > 0, got %s", cfg.StateMachine.MaxWait))
	}
	if cfg.StateMachine.MaxAllowedErrors < 0 {
		errs = append(errs, fmt.Sprintf("state_machine.max_allowed_errors must be >= 0, got %d", cfg.StateMachine.MaxAllowedErrors))
	}
	if cfg.Devices.Weather.Tag == "" {
		errs = append(errs, "devices.weather.tag must not be empty")
	}
	if cfg.Devices.Roof.Tag == "" {
		errs = append(errs, "devices.roof.tag must not be empty")
	}
	if cfg.Devices.Telescope.Tag == "" {
		errs = append(errs, "devices.telescope.tag must not be empty")
	}
	if cfg.Devices.Instrument.Tag == "" {
		errs = append(errs, "devices.instrument.tag must not be empty")
	}
	if len(cfg.Devices.Detectors) == 0 {
		errs = append(errs, "devices.detectors must name at least one detector")
	}
	for i, d := range cfg.Devices.Detectors {
		if d.Tag == "" {
			errs = append(errs, fmt.Sprintf("devices.detectors[%d].tag must not be empty", i))
		}
	}
	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.datadir must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
