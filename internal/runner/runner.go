// Package runner is the top-level composition root: it resolves device
// tags to concrete devices through a factory registry, builds the sky
// oracle, scheduler, fault book, and execution record from a loaded
// Config, wires the statemachine.Machine to the driver.Model, and
// exposes WakeUp as the single entry point a CLI (or a test) needs to
// drive a full night.
//
// Build is a reusable construction step a CLI calls (config → logger →
// storage → subsystem construction → goroutines) rather than inlined
// in main, so it can also be exercised directly from tests.
package runner

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/config"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/device"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/driver"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/fault"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/observability"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/record"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/scheduler"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/site"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/statemachine"
)

// Factory functions decode a device's config.DeviceConfig.Config node and
// build the concrete device. Each returns a capability interface so the
// rest of the runner never sees the concrete type.
type (
	WeatherFactory    func(node yaml.Node) (device.Weather, error)
	RoofFactory       func(node yaml.Node) (device.Roof, error)
	MountFactory      func(node yaml.Node) (device.Mount, error)
	InstrumentFactory func(node yaml.Node) (device.Instrument, error)
	DetectorFactory   func(node yaml.Node) (device.Detector, error)
)

// Registry maps device tags to factories. It is constructed per-runner,
// never a package-level global.
type Registry struct {
	weather    map[string]WeatherFactory
	roof       map[string]RoofFactory
	mount      map[string]MountFactory
	instrument map[string]InstrumentFactory
	detector   map[string]DetectorFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		weather:    map[string]WeatherFactory{},
		roof:       map[string]RoofFactory{},
		mount:      map[string]MountFactory{},
		instrument: map[string]InstrumentFactory{},
		detector:   map[string]DetectorFactory{},
	}
}

func (r *Registry) RegisterWeather(tag string, f WeatherFactory)       { r.weather[tag] = f }
func (r *Registry) RegisterRoof(tag string, f RoofFactory)             { r.roof[tag] = f }
func (r *Registry) RegisterMount(tag string, f MountFactory)           { r.mount[tag] = f }
func (r *Registry) RegisterInstrument(tag string, f InstrumentFactory) { r.instrument[tag] = f }
func (r *Registry) RegisterDetector(tag string, f DetectorFactory)     { r.detector[tag] = f }

// simOptionsFromNode decodes the shared simulator-options shape out of
// a raw config node; an empty/absent node yields zero-value SimOptions
// (no injected failures, no artificial delay).
func simOptionsFromNode(node yaml.Node) (device.SimOptions, error) {
	var opts device.SimOptions
	if node.IsZero() {
		return opts, nil
	}
	if err := node.Decode(&opts); err != nil {
		return opts, fmt.Errorf("decode simulator options: %w", err)
	}
	return opts, nil
}

// NewDefaultRegistry returns a Registry pre-populated with the two
// device tags every deployment needs: "sim" (in-memory/file-backed
// simulators, device/simulator.go) and, for the mount only, "alpaca"
// (the hardware REST client, device/alpaca.go — the only hardware
// client this sequencer ships).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterWeather("sim", func(node yaml.Node) (device.Weather, error) {
		var cfg struct {
			Path     string        `yaml:"path"`
			AgeLimit time.Duration `yaml:"age_limit"`
		}
		if !node.IsZero() {
			if err := node.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("decode weather config: %w", err)
			}
		}
		return device.FileWeather{Path: cfg.Path, AgeLimit: cfg.AgeLimit}, nil
	})

	r.RegisterRoof("sim", func(node yaml.Node) (device.Roof, error) {
		opts, err := simOptionsFromNode(node)
		if err != nil {
			return nil, err
		}
		return device.NewSimRoof(opts), nil
	})

	r.RegisterMount("sim", func(node yaml.Node) (device.Mount, error) {
		opts, err := simOptionsFromNode(node)
		if err != nil {
			return nil, err
		}
		return device.NewSimMount(opts), nil
	})
	r.RegisterMount("alpaca", func(node yaml.Node) (device.Mount, error) {
		var cfg struct {
			BaseURL string `yaml:"base_url"`
		}
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode alpaca mount config: %w", err)
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("alpaca mount config: base_url is required")
		}
		return device.NewAlpacaMount(cfg.BaseURL), nil
	})

	r.RegisterInstrument("sim", func(node yaml.Node) (device.Instrument, error) {
		opts, err := simOptionsFromNode(node)
		if err != nil {
			return nil, err
		}
		return device.NewSimInstrument(opts), nil
	})

	r.RegisterDetector("sim", func(node yaml.Node) (device.Detector, error) {
		opts, err := simOptionsFromNode(node)
		if err != nil {
			return nil, err
		}
		return device.NewSimDetector(opts), nil
	})

	return r
}

// Runner wires a statemachine.Machine to a driver.Model and exposes the
// single entry point a caller needs to drive a night.
type Runner struct {
	machine *statemachine.Machine
	model   *driver.Model
	rec     *record.Record
	log     *zap.Logger
}

// WakeUp fires the wake_up trigger, driving the machine through the full
// night until it reaches a terminal state. Blocks until pau or alert.
func (r *Runner) WakeUp() {
	r.machine.Fire(statemachine.WakeUp)
}

// CurrentState exposes the driving machine's terminal (or current) state.
func (r *Runner) CurrentState() statemachine.State {
	return r.machine.Current()
}

// Model exposes the underlying driver.Model, e.g. for wiring into the
// operator socket (internal/operator.Model is satisfied by *driver.Model
// directly; this accessor exists for callers that only hold a *Runner).
func (r *Runner) Model() *driver.Model {
	return r.model
}

// Close releases the execution-record's storage handle.
func (r *Runner) Close() error {
	if r.rec == nil {
		return nil
	}
	return r.rec.Close()
}

// Build resolves cfg's device tags through reg, constructs the sky
// oracle, scheduler, fault book, and execution record, and assembles the
// statemachine.Machine/driver.Model pair. blocks is the OB queue the
// scheduler will serve strictly FIFO; obtaining that sequence is the
// CLI's job (cmd/rollroof reads it from a file), not the runner's.
func Build(cfg *config.Config, reg *Registry, blocks []ob.Block, log *zap.Logger, metrics *observability.Metrics) (*Runner, error) {
	return buildWithOracle(cfg, reg, blocks, log, metrics, nil, nil)
}

// buildWithOracle is Build's real implementation. A nil oracleOverride
// builds the production site.SolarOracle from cfg.Site, as Build always
// does; tests pass a deterministic stand-in (site.TimerOracle or a fake)
// so a full night can be driven without depending on real solar
// geometry at whatever instant the test happens to run. A nil
// clockOverride defaults to the wall clock, same as driver.New does on
// its own when Config.Clock is nil.
func buildWithOracle(cfg *config.Config, reg *Registry, blocks []ob.Block, log *zap.Logger, metrics *observability.Metrics, oracleOverride site.Oracle, clockOverride driver.Clock) (*Runner, error) {
	weather, err := resolveWeather(reg, cfg.Devices.Weather)
	if err != nil {
		return nil, err
	}
	roof, err := resolveRoof(reg, cfg.Devices.Roof)
	if err != nil {
		return nil, err
	}
	mount, err := resolveMount(reg, cfg.Devices.Telescope)
	if err != nil {
		return nil, err
	}
	instrument, err := resolveInstrument(reg, cfg.Devices.Instrument)
	if err != nil {
		return nil, err
	}
	if len(cfg.Devices.Detectors) == 0 {
		return nil, fmt.Errorf("runner.Build: no detectors configured")
	}
	detectors := make([]device.Detector, 0, len(cfg.Devices.Detectors))
	for i, dc := range cfg.Devices.Detectors {
		det, err := resolveDetector(reg, dc)
		if err != nil {
			return nil, fmt.Errorf("detector[%d]: %w", i, err)
		}
		detectors = append(detectors, det)
	}

	horizon, err := buildHorizon(cfg.Site)
	if err != nil {
		return nil, err
	}
	st := site.Site{LatDeg: cfg.Site.LatDeg, LonDeg: cfg.Site.LonDeg, HeightM: cfg.Site.HeightM, Horizon: horizon}
	var oracle site.Oracle = site.SolarOracle{Site: st}
	if oracleOverride != nil {
		oracle = oracleOverride
	}

	sched := scheduler.New(blocks)
	book := fault.NewBook(cfg.StateMachine.MaxAllowedErrors)
	book.SetMetrics(metrics)

	dbPath := fmt.Sprintf("%s/%s_%s.db", cfg.Storage.DataDir, cfg.Name, time.Now().UTC().Format("20060102"))
	rec, err := record.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("runner.Build: open execution record: %w", err)
	}
	rec.SetMetrics(metrics)

	initial, err := parseInitialState(cfg.StateMachine.InitialState)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	model := driver.New(driver.Config{
		Log:           log,
		Weather:       weather,
		Roof:          roof,
		Mount:         mount,
		Instrument:    instrument,
		Detectors:     detectors,
		Scheduler:     sched,
		Book:          book,
		Record:        rec,
		Oracle:        oracle,
		FocusProbe:    driver.SimFocusProbe{IdealPos: 0, Curvature: 1, FloorFWHM: 1.5},
		DataDir:       cfg.Storage.DataDir,
		InstrumentTag: cfg.Devices.Instrument.Tag,
		WaitTime:      cfg.StateMachine.WaitTime,
		MaxWait:       cfg.StateMachine.MaxWait,
		Metrics:       metrics,
		Clock:         clockOverride,
	})

	machine := statemachine.New(initial, model)
	model.SetMachine(machine)

	machine.OnTransition(func(from, to statemachine.State, trigger statemachine.Trigger, dwell time.Duration) {
		log.Info("state transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("trigger", string(trigger)))
		if metrics != nil {
			metrics.RecordTransition(from.String(), to.String())
			metrics.StateDwellSeconds.WithLabelValues(from.String()).Set(dwell.Seconds())
			metrics.ErrorBudgetRemaining.Set(float64(book.AllowedErrors() - book.ErrorCount()))
		}
	})

	return &Runner{machine: machine, model: model, rec: rec, log: log}, nil
}

func resolveWeather(reg *Registry, dc config.DeviceConfig) (device.Weather, error) {
	f, ok := reg.weather[dc.Tag]
	if !ok {
		return nil, fmt.Errorf("no weather factory registered for tag %q", dc.Tag)
	}
	return f(dc.Config)
}

func resolveRoof(reg *Registry, dc config.DeviceConfig) (device.Roof, error) {
	f, ok := reg.roof[dc.Tag]
	if !ok {
		return nil, fmt.Errorf("no roof factory registered for tag %q", dc.Tag)
	}
	return f(dc.Config)
}

func resolveMount(reg *Registry, dc config.DeviceConfig) (device.Mount, error) {
	f, ok := reg.mount[dc.Tag]
	if !ok {
		return nil, fmt.Errorf("no mount factory registered for tag %q", dc.Tag)
	}
	return f(dc.Config)
}

func resolveInstrument(reg *Registry, dc config.DeviceConfig) (device.Instrument, error) {
	f, ok := reg.instrument[dc.Tag]
	if !ok {
		return nil, fmt.Errorf("no instrument factory registered for tag %q", dc.Tag)
	}
	return f(dc.Config)
}

func resolveDetector(reg *Registry, dc config.DeviceConfig) (device.Detector, error) {
	f, ok := reg.detector[dc.Tag]
	if !ok {
		return nil, fmt.Errorf("no detector factory registered for tag %q", dc.Tag)
	}
	return f(dc.Config)
}

// buildHorizon resolves cfg.Site's horizon profile: a CSV table if
// HorizonFile is set, else the scalar HorizonDeg.
func buildHorizon(sc config.SiteConfig) (site.Horizon, error) {
	if sc.HorizonFile == "" {
		return site.NewScalarHorizon(sc.HorizonDeg), nil
	}
	samples, err := loadHorizonCSV(sc.HorizonFile)
	if err != nil {
		return site.Horizon{}, fmt.Errorf("load horizon file %q: %w", sc.HorizonFile, err)
	}
	return site.NewTableHorizon(samples), nil
}

func parseInitialState(s string) (statemachine.State, error) {
	switch strings.ToLower(s) {
	case "", "sleeping":
		return statemachine.Sleeping, nil
	case "opening":
		return statemachine.Opening, nil
	case "waiting_open":
		return statemachine.WaitingOpen, nil
	case "waiting_closed":
		return statemachine.WaitingClosed, nil
	default:
		return statemachine.Sleeping, fmt.Errorf("unrecognized initial_state %q", s)
	}
}
