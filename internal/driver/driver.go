// Package driver implements the observation driver and the top-level
// model that backs the state machine's Hooks contract: acquisition,
// focusing, and exposure fan-out, plus the guard predicates and
// on-entry actions the transition table names.
//
// The model owns its own guard-relevant fields directly — weather,
// oracle, scheduler, fault book, execution record — mutated by plain
// methods rather than through the state machine itself.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/device"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/fault"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/observability"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/record"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/scheduler"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/site"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/statemachine"
)

// FocusProbe measures image quality at the current focuser position.
// Real image analysis is an external collaborator; SimFocusProbe below
// is the simulator-side stand-in used end to end with SimDetector.
type FocusProbe interface {
	Measure(ctx context.Context, img device.ImageBundle, focuserPos float64) (fwhmArcsec float64, err error)
}

// FocusMaxAdapter delegates a FocusMax block to an external
// focus-analysis tool via an (instrument, detector) -> ok contract.
type FocusMaxAdapter interface {
	Run(ctx context.Context, instrument device.Instrument, detector device.Detector) (ok bool, err error)
}

// Clock returns the instant a Model should treat as "now"; injected so
// tests can control darkness/staleness/watchdog decisions
// deterministically instead of reaching for time.Now().
type Clock func() time.Time

// Config bundles everything a Model needs beyond its devices.
type Config struct {
	Log             *zap.Logger
	Weather         device.Weather
	Roof            device.Roof
	Mount           device.Mount
	Instrument      device.Instrument
	Detectors       []device.Detector
	Scheduler       *scheduler.Scheduler
	Book            *fault.Book
	Record          *record.Record
	Oracle          site.Oracle
	FocusProbe      FocusProbe
	FocusMaxAdapter FocusMaxAdapter // nil is valid: FocusMax blocks then fail with FocusRunFault
	DataDir         string
	InstrumentTag   string
	WaitTime        time.Duration
	MaxWait         time.Duration
	Clock           Clock // nil defaults to time.Now
	Metrics         *observability.Metrics // nil disables per-exposure metrics
}

// Model is the sequencer's model: it implements statemachine.Hooks and
// owns every device, the scheduler, the fault book, and the execution
// record. The machine borrows the model; the model borrows the devices.
type Model struct {
	log             *zap.Logger
	weather         device.Weather
	roof            device.Roof
	mount           device.Mount
	instrument      device.Instrument
	detectors       []device.Detector
	sched           *scheduler.Scheduler
	book            *fault.Book
	rec             *record.Record
	oracle          site.Oracle
	focusProbe      FocusProbe
	focusMaxAdapter FocusMaxAdapter
	dataDir         string
	instrumentTag   string
	waitTime        time.Duration
	maxWait         time.Duration
	clock           Clock
	metrics         *observability.Metrics

	machine *statemachine.Machine

	weAreDone         bool
	currentOB         *ob.Block
	obStarted         time.Time
	acquisitionFailed bool
	focusFailed       bool
	openFailed        bool
	closeFailed       bool
	waitSince         time.Time
}

// New builds a Model from cfg. Call SetMachine once the statemachine.Machine
// that will drive it exists (the two are mutually referential: the
// machine needs the model as its Hooks, the model needs the machine to
// Fire further triggers from its on-entry actions).
func New(cfg Config) *Model {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Model{
		log:             cfg.Log,
		weather:         cfg.Weather,
		roof:            cfg.Roof,
		mount:           cfg.Mount,
		instrument:      cfg.Instrument,
		detectors:       cfg.Detectors,
		sched:           cfg.Scheduler,
		book:            cfg.Book,
		rec:             cfg.Record,
		oracle:          cfg.Oracle,
		focusProbe:      cfg.FocusProbe,
		focusMaxAdapter: cfg.FocusMaxAdapter,
		dataDir:         cfg.DataDir,
		instrumentTag:   cfg.InstrumentTag,
		waitTime:        cfg.WaitTime,
		maxWait:         cfg.MaxWait,
		clock:           clock,
		metrics:         cfg.Metrics,
	}
}

// SetMachine wires the driving Machine into the model; must be called
// before the first Fire.
func (d *Model) SetMachine(m *statemachine.Machine) {
	d.machine = m
}

// Abort sets we_are_done: the same graceful-shutdown path every guard
// already reads, no bypass of the state machine.
func (d *Model) Abort() {
	d.weAreDone = true
}

// CurrentState reports the driving machine's current state, for the
// operator "status" command.
func (d *Model) CurrentState() statemachine.State {
	if d.machine == nil {
		return statemachine.Sleeping
	}
	return d.machine.Current()
}

// CurrentOB reports the OB in flight, if any (nil outside
// acquiring/focusing/observing).
func (d *Model) CurrentOB() *ob.Block {
	return d.currentOB
}

// Durations exposes the machine's accumulated per-state durations.
func (d *Model) Durations() map[statemachine.State]time.Duration {
	if d.machine == nil {
		return nil
	}
	return d.machine.Durations()
}

func (d *Model) now() time.Time {
	return d.clock()
}

func (d *Model) sleep(dur time.Duration) {
	if dur <= 0 {
		return
	}
	time.Sleep(dur)
}

// recordFault appends f to the fault book and, if this push crosses the
// budget, sets we_are_done.
func (d *Model) recordFault(kind fault.Kind, err error) {
	f := fault.New(kind, err)
	if d.log != nil {
		d.log.Warn("fault recorded", zap.String("kind", kind.String()), zap.Error(err))
	}
	if d.book.Record(f) {
		d.weAreDone = true
	}
}

// ─── Guards ───────────────────────────────────────────────────────────────

func (d *Model) IsSafe() bool { return d.weather.IsSafe(d.now()) }
func (d *Model) IsDark() bool { return d.oracle.IsDark(d.now()) }
func (d *Model) WeAreDone() bool { return d.weAreDone }
func (d *Model) HaveTarget() bool { return d.currentOB != nil }
func (d *Model) AcquisitionFailed() bool { return d.acquisitionFailed }
func (d *Model) FocusNext() bool { return d.currentOB != nil && d.currentOB.Type.IsFocus() }
func (d *Model) FocusFailed() bool { return d.focusFailed }
func (d *Model) OpenFailed() bool { return d.openFailed }
func (d *Model) CloseFailed() bool { return d.closeFailed }

func (d *Model) ReadyToOpen() bool {
	return d.weather.IsSafe(d.now()) && d.oracle.IsDark(d.now()) && !d.weAreDone
}

func (d *Model) LongWait() bool {
	if d.waitSince.IsZero() {
		return false
	}
	return d.now().Sub(d.waitSince) > d.maxWait
}

// ─── On-entry actions ───────────────────────────────────────────────────────

func (d *Model) OnEnterSleeping(m *statemachine.Machine) {
	d.log.Info("entered sleeping")
}

func (d *Model) OnEnterOpening(m *statemachine.Machine) {
	if err := d.roof.Open(context.Background()); err != nil {
		d.openFailed = true
		d.recordFault(fault.RoofFault, err)
	} else {
		d.openFailed = false
	}
	m.Fire(statemachine.DoneOpening)
}

func (d *Model) OnEnterWaitingClosed(m *statemachine.Machine) {
	d.markWaiting()
	for {
		d.sleep(floorDuration(d.waitTime))
		if d.ReadyToOpen() || d.weAreDone || !d.IsDark() || d.LongWait() {
			break
		}
	}
	m.Fire(statemachine.DoneWaiting)
}

func (d *Model) OnEnterWaitingOpen(m *statemachine.Machine) {
	d.markWaiting()
	d.sleep(floorDuration(d.waitTime))

	for d.currentOB == nil && !d.weAreDone {
		blk, err := d.sched.Select()
		if err != nil {
			if !errors.Is(err, scheduler.ErrExhausted) {
				break
			}
			over := d.book.Record(fault.New(fault.SchedulingFault, err))
			if over || d.book.SchedulerExhausted() {
				d.weAreDone = true
			}
			continue
		}
		d.currentOB = &blk
		d.obStarted = d.now()
		d.book.RecordSuccess()
	}
	m.Fire(statemachine.Acquire)
}

func (d *Model) OnEnterAcquiring(m *statemachine.Machine) {
	d.waitSince = time.Time{}
	d.acquisitionFailed = false

	blk := d.currentOB
	if blk == nil {
		d.acquisitionFailed = true
		d.recordFault(fault.AcquisitionFault, errors.New("acquiring entered with no current OB"))
		m.Fire(statemachine.DoneAcquiring)
		return
	}

	if d.oracle.BelowHorizonNow(*blk, d.now()) {
		d.acquisitionFailed = true
		d.recordFault(fault.AcquisitionFault,
			fmt.Errorf("target %s will be below the horizon before this block finishes", blk.Target.Name))
	}

	ctx := context.Background()
	if !d.acquisitionFailed && d.mount.AtPark() {
		if err := d.mount.Unpark(ctx); err != nil {
			d.acquisitionFailed = true
			d.recordFault(fault.MountFault, err)
		}
	}
	if !d.acquisitionFailed && !d.mount.Tracking() {
		if err := d.mount.SetTracking(ctx, true); err != nil {
			d.acquisitionFailed = true
			d.recordFault(fault.MountFault, err)
		}
	}

	if !d.acquisitionFailed {
		switch blk.Align.Kind {
		case ob.AlignBlind:
			if err := d.mount.Slew(ctx, blk.Target.Coordinate); err != nil {
				d.acquisitionFailed = true
				d.recordFault(fault.MountFault, err)
			}
		default:
			d.acquisitionFailed = true
			d.recordFault(fault.AcquisitionFault,
				fmt.Errorf("unsupported align kind %s: no mask-align in v1", blk.Align.Kind))
		}
	}

	if d.acquisitionFailed {
		d.currentOB = nil
	}
	m.Fire(statemachine.DoneAcquiring)
}

func (d *Model) OnEnterFocusing(m *statemachine.Machine) {
	blk := d.currentOB
	d.focusFailed = false

	switch blk.Type {
	case ob.FocusParabola:
		pos, err := d.runFocusParabola(context.Background(), *blk)
		if err != nil {
			d.focusFailed = true
			d.recordFault(fault.FocusRunFault, err)
		} else if err := d.instrument.Configure(context.Background(), ob.InstConfig{
			Filter:          blk.Inst.Filter,
			FocuserPosition: pos,
			WavelengthNM:    blk.Inst.WavelengthNM,
		}); err != nil {
			d.focusFailed = true
			d.recordFault(fault.InstrumentFault, err)
		}
	case ob.FocusMax:
		if d.focusMaxAdapter == nil {
			d.focusFailed = true
			d.recordFault(fault.FocusRunFault, errors.New("no focus-max adapter configured"))
			break
		}
		ok, err := d.focusMaxAdapter.Run(context.Background(), d.instrument, d.primaryDetector())
		if err != nil || !ok {
			d.focusFailed = true
			if err == nil {
				err = errors.New("focus-max adapter reported failure")
			}
			d.recordFault(fault.FocusRunFault, err)
		}
	default:
		d.focusFailed = true
		d.recordFault(fault.FocusRunFault, fmt.Errorf("block type %s is not a focus block", blk.Type))
	}

	d.finishCurrentOB(d.focusFailed)
	m.Fire(statemachine.FocusingComplete)
}

func (d *Model) OnEnterObserving(m *statemachine.Machine) {
	blk := d.currentOB
	failed := d.runExposureFanOut(context.Background(), *blk)
	d.finishCurrentOB(failed)
	m.Fire(statemachine.ObservationComplete)
}

func (d *Model) OnEnterParking(m *statemachine.Machine) {
	if err := d.mount.Park(context.Background()); err != nil {
		d.recordFault(fault.MountFault, err)
	}
	m.Fire(statemachine.DoneParking)
}

func (d *Model) OnEnterClosing(m *statemachine.Machine) {
	err := d.roof.Close(context.Background())
	d.closeFailed = err != nil
	if err != nil {
		d.recordFault(fault.RoofFault, err)
	}
	m.Fire(statemachine.DoneClosing)
}

func (d *Model) OnEnterPau(m *statemachine.Machine) {
	d.writeSummary(statemachine.Pau)
}

func (d *Model) OnEnterAlert(m *statemachine.Machine) {
	d.writeSummary(statemachine.Alert)
}

// ─── shared helpers ─────────────────────────────────────────────────────────

// finishCurrentOB appends the execution-record row for the OB that just
// reached focusing or observing and clears current_OB.
func (d *Model) finishCurrentOB(failed bool) {
	blk := d.currentOB
	if blk == nil {
		return
	}
	row := record.RowFromBlock(*blk, d.obStarted, d.now(), failed)
	if err := d.rec.Append(row); err != nil && d.log != nil {
		d.log.Error("failed to append execution record row", zap.Error(err))
	}
	d.currentOB = nil
}

// markWaiting starts the long_wait watchdog the first time the model
// enters a waiting state since startup or since the last entry into
// acquiring.
func (d *Model) markWaiting() {
	if d.waitSince.IsZero() {
		d.waitSince = d.now()
	}
}

func (d *Model) primaryDetector() device.Detector {
	if len(d.detectors) == 0 {
		return nil
	}
	return d.detectors[0]
}

func (d *Model) writeSummary(final statemachine.State) {
	s := record.BuildSummary(final, d.rec.Rows(), d.Durations(), d.book.Counts())
	text := s.Format()
	if d.log != nil {
		if final == statemachine.Alert {
			d.log.Error("night summary", zap.String("summary", text))
		} else {
			d.log.Info("night summary", zap.String("summary", text))
		}
	}
	if err := d.rec.Persist(s); err != nil && d.log != nil {
		d.log.Error("failed to persist night summary", zap.Error(err))
	}
}

// floorDuration applies a minimum sleep so a zero-configured waittime
// (common in tests) never turns the waiting loops into a tight spin.
func floorDuration(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
