package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Site.LatDeg, cfg.Site.LonDeg, cfg.Site.HeightM = 19.8, -155.5, 3000
	cfg.Devices.Weather.Tag = "sim"
	cfg.Devices.Roof.Tag = "sim"
	cfg.Devices.Telescope.Tag = "sim"
	cfg.Devices.Instrument.Tag = "sim"
	cfg.Devices.Detectors = []DeviceConfig{{Tag: "sim"}}
	return cfg
}

func TestValidate_DefaultsPlusRequiredDeviceTagsPass(t *testing.T) {
	cfg := validConfig()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_AccumulatesAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.SchemaVersion = "2"
	cfg.Name = ""
	cfg.Site.LatDeg = 200
	cfg.Devices.Weather.Tag = ""

	err := Validate(&cfg)
	if err == nil {
		t.Fatalf("Validate() error = nil, want violations")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "name must not be empty", "site.lat", "devices.weather.tag"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Validate() error = %q, want it to mention %q", msg, want)
		}
	}
}

func TestValidate_MaxWaitMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.StateMachine.MaxWait = 0
	if err := Validate(&cfg); err == nil {
		t.Fatalf("Validate() error = nil, want a maxwait violation")
	}
}

func TestValidate_AtLeastOneDetectorRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Devices.Detectors = nil
	err := Validate(&cfg)
	if err == nil || !strings.Contains(err.Error(), "detectors must name at least one detector") {
		t.Fatalf("Validate() error = %v, want a detectors violation", err)
	}
}

func TestLoad_ReadsAndValidatesAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollroof.yaml")
	doc := `
schema_version: "1"
name: test-obs
site:
  lat: 19.8
  lon: -155.5
  height: 3000
devices:
  weather: {tag: sim}
  roof: {tag: sim}
  telescope: {tag: sim}
  instrument: {tag: sim}
  detectors:
    - {tag: sim}
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "test-obs" {
		t.Errorf("Name = %q, want test-obs", cfg.Name)
	}
	if cfg.StateMachine.MaxAllowedErrors != 5 {
		t.Errorf("MaxAllowedErrors = %d, want the default of 5 (unset in the file)", cfg.StateMachine.MaxAllowedErrors)
	}
}

func TestLoad_InvalidConfigIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollroof.yaml")
	if err := os.WriteFile(path, []byte("schema_version: \"1\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("Load() error = nil, want a validation failure (missing device tags)")
	}
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("Load() error = nil, want a read failure")
	}
}
