package driver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/device"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/fault"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/record"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/scheduler"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/statemachine"
)

type fakeWeather struct{ safe bool }

func (w fakeWeather) IsSafe(now time.Time) bool     { return w.safe }
func (w fakeWeather) WasSafeSince(t time.Time) bool { return w.safe }

type fakeOracle struct {
	dark         bool
	belowHorizon bool
}

func (o fakeOracle) IsDark(now time.Time) bool { return o.dark }
func (o fakeOracle) BelowHorizonNow(b ob.Block, now time.Time) bool {
	return o.belowHorizon
}

func openTestRecord(t *testing.T) *record.Record {
	t.Helper()
	r, err := record.Open(filepath.Join(t.TempDir(), "night.db"))
	if err != nil {
		t.Fatalf("record.Open() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// machineAt builds a bare statemachine.Machine driven by m itself (Model
// satisfies statemachine.Hooks), parked at the given current state, so an
// OnEnterX hook's trailing m.Fire(...) dispatches against a real table
// instead of a nil pointer.
func machineAt(m *Model, state statemachine.State) *statemachine.Machine {
	return statemachine.New(state, m)
}

func newTestModel(t *testing.T, weather device.Weather, oracle fakeOracle, blocks []ob.Block) *Model {
	t.Helper()
	rec := openTestRecord(t)
	cfg := Config{
		Log:           zap.NewNop(),
		Weather:       weather,
		Roof:          device.NewSimRoof(device.SimOptions{}),
		Mount:         device.NewSimMount(device.SimOptions{}),
		Instrument:    device.NewSimInstrument(device.SimOptions{}),
		Detectors:     []device.Detector{device.NewSimDetector(device.SimOptions{})},
		Scheduler:     scheduler.New(blocks),
		Book:          fault.NewBook(10),
		Record:        rec,
		Oracle:        oracle,
		FocusProbe:    SimFocusProbe{IdealPos: 0, Curvature: 1, FloorFWHM: 1.5},
		DataDir:       t.TempDir(),
		InstrumentTag: "test",
		WaitTime:      time.Millisecond,
		MaxWait:       time.Hour,
	}
	return New(cfg)
}

func TestModel_Guards_ReflectWeatherAndOracle(t *testing.T) {
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)

	if !m.IsSafe() {
		t.Errorf("IsSafe() = false, want true")
	}
	if !m.IsDark() {
		t.Errorf("IsDark() = false, want true")
	}
	if !m.ReadyToOpen() {
		t.Errorf("ReadyToOpen() = false, want true (safe and dark and not done)")
	}

	m.Abort()
	if !m.WeAreDone() {
		t.Errorf("WeAreDone() = false after Abort(), want true")
	}
	if m.ReadyToOpen() {
		t.Errorf("ReadyToOpen() = true after Abort(), want false")
	}
}

func TestModel_LongWait_FalseUntilWatchdogStarted(t *testing.T) {
	m := newTestModel(t, fakeWeather{safe: false}, fakeOracle{dark: true}, nil)
	if m.LongWait() {
		t.Errorf("LongWait() = true before any wait started, want false")
	}
}

func TestModel_OnEnterAcquiring_NoCurrentOBSetsAcquisitionFailed(t *testing.T) {
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)
	m.OnEnterAcquiring(machineAt(m, statemachine.Acquiring))

	if !m.AcquisitionFailed() {
		t.Errorf("AcquisitionFailed() = false, want true (entered acquiring with no OB)")
	}
}

func TestModel_OnEnterAcquiring_MaskAlignIsUnsupported(t *testing.T) {
	blk := ob.Block{
		Target: ob.Target{Name: "M31"},
		Align:  ob.Align{Kind: ob.AlignMask},
	}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)
	m.currentOB = &blk

	m.OnEnterAcquiring(machineAt(m, statemachine.Acquiring))

	if !m.AcquisitionFailed() {
		t.Errorf("AcquisitionFailed() = false, want true (mask align unsupported in v1)")
	}
	if m.CurrentOB() != nil {
		t.Errorf("CurrentOB() not cleared after acquisition failure")
	}
}

func TestModel_OnEnterAcquiring_BelowHorizonFailsAcquisition(t *testing.T) {
	blk := ob.Block{
		Target: ob.Target{Name: "M31", Coordinate: ob.Coordinate{RADeg: 10, DecDeg: 20}},
		Align:  ob.Align{Kind: ob.AlignBlind},
	}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true, belowHorizon: true}, nil)
	m.currentOB = &blk

	m.OnEnterAcquiring(machineAt(m, statemachine.Acquiring))

	if !m.AcquisitionFailed() {
		t.Errorf("AcquisitionFailed() = false, want true (target below horizon by block finish)")
	}
	if m.CurrentOB() != nil {
		t.Errorf("CurrentOB() not cleared after a below-horizon acquisition failure")
	}
	if !m.mount.AtPark() {
		// NewSimMount starts parked; a below-horizon failure must
		// short-circuit before the unpark/slew ever runs.
		t.Errorf("mount was unparked despite the below-horizon short-circuit")
	}
}

func TestModel_OnEnterAcquiring_BlindAlignSlews(t *testing.T) {
	blk := ob.Block{
		Target: ob.Target{Name: "M31", Coordinate: ob.Coordinate{RADeg: 10, DecDeg: 20}},
		Align:  ob.Align{Kind: ob.AlignBlind},
	}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)
	m.currentOB = &blk

	m.OnEnterAcquiring(machineAt(m, statemachine.Acquiring))

	if m.AcquisitionFailed() {
		t.Errorf("AcquisitionFailed() = true, want false for a blind-align slew")
	}
	if m.mount.AtPark() {
		t.Errorf("mount still parked after acquiring, want unparked")
	}
}

func TestModel_RunExposureFanOut_SucceedsWithSimDetector(t *testing.T) {
	blk := ob.Block{
		Target:    ob.Target{Name: "M31"},
		Pattern:   ob.Stare(),
		Detectors: []ob.DetConfig{{NExp: 2}},
	}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)

	failed := m.runExposureFanOut(context.Background(), blk)
	if failed {
		t.Errorf("runExposureFanOut() = true, want false (simulator detector never fails by default)")
	}
}

func TestModel_RunExposureFanOut_DetectorFailureMarksOBFailed(t *testing.T) {
	alwaysFail := device.NewSimDetector(device.SimOptions{Actions: map[string]device.ActionOptions{
		"expose": {RandomFailRate: 1},
	}})
	blk := ob.Block{
		Target:    ob.Target{Name: "M31"},
		Pattern:   ob.Stare(),
		Detectors: []ob.DetConfig{{NExp: 1}},
	}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)
	m.detectors = []device.Detector{alwaysFail}

	failed := m.runExposureFanOut(context.Background(), blk)
	if !failed {
		t.Errorf("runExposureFanOut() = false, want true (detector always fails)")
	}
}

func TestModel_RunFocusParabola_FindsIdealPosition(t *testing.T) {
	blk := ob.Block{
		Type: ob.FocusParabola,
		Inst: ob.InstConfig{FocuserPosition: 0},
		Focus: ob.FocusSpec{
			NPositions:        7,
			StepDeg:           0.5,
			ImagesPerPosition: 1,
		},
	}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)
	// SimFocusProbe's ideal position is 0, matching blk.Inst.FocuserPosition's center.

	pos, err := m.runFocusParabola(context.Background(), blk)
	if err != nil {
		t.Fatalf("runFocusParabola() error = %v", err)
	}
	if pos < -0.1 || pos > 0.1 {
		t.Errorf("runFocusParabola() = %v, want close to 0 (the probe's IdealPos)", pos)
	}
}

func TestModel_RunFocusParabola_TooFewPositionsFails(t *testing.T) {
	blk := ob.Block{
		Type: ob.FocusParabola,
		Focus: ob.FocusSpec{
			NPositions:        3, // below minFocusPoints
			StepDeg:           0.5,
			ImagesPerPosition: 1,
		},
	}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)

	if _, err := m.runFocusParabola(context.Background(), blk); err == nil {
		t.Fatalf("runFocusParabola() error = nil, want failure below minFocusPoints")
	}
}

func TestFitQuadratic_RecoversKnownCoefficients(t *testing.T) {
	// y = 2x^2 - 4x + 1, sampled exactly (no noise).
	xs := []float64{-2, -1, 0, 1, 2}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 2*x*x - 4*x + 1
	}

	a, b, c, err := fitQuadratic(xs, ys)
	if err != nil {
		t.Fatalf("fitQuadratic() error = %v", err)
	}
	const tol = 1e-6
	if abs(a-2) > tol || abs(b-(-4)) > tol || abs(c-1) > tol {
		t.Errorf("fitQuadratic() = (%v, %v, %v), want (2, -4, 1)", a, b, c)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestModel_OnEnterWaitingOpen_SchedulerExhaustionSetsWeAreDone(t *testing.T) {
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil) // empty OB queue

	// Ten consecutive SchedulingFaults trip SchedulerExhausted even though
	// SchedulingFault never counts toward the hardware budget.
	for i := 0; i < 10; i++ {
		m.OnEnterWaitingOpen(machineAt(m, statemachine.WaitingOpen))
	}

	if !m.WeAreDone() {
		t.Errorf("WeAreDone() = false, want true after 10 consecutive scheduling faults")
	}
}

func TestModel_OnEnterWaitingOpen_PopsAnOBWhenAvailable(t *testing.T) {
	blk := ob.Block{Target: ob.Target{Name: "M31"}}
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, []ob.Block{blk})

	// Parking absorbs the trailing Fire(Acquire) as a no-op (no table row
	// matches it from that source), isolating the OB pop from the
	// acquire/observe cascade a real WaitingOpen source would trigger.
	m.OnEnterWaitingOpen(machineAt(m, statemachine.Parking))

	if m.CurrentOB() == nil {
		t.Fatalf("CurrentOB() = nil, want the popped OB")
	}
	if m.CurrentOB().Target.Name != "M31" {
		t.Errorf("CurrentOB().Target.Name = %q, want M31", m.CurrentOB().Target.Name)
	}
}

func TestModel_OnEnterParking_ParksMount(t *testing.T) {
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)
	m.OnEnterParking(machineAt(m, statemachine.Parking))

	if !m.mount.AtPark() {
		t.Errorf("mount AtPark() = false after OnEnterParking, want true")
	}
}

func TestModel_OnEnterClosing_ClosesRoof(t *testing.T) {
	m := newTestModel(t, fakeWeather{safe: true}, fakeOracle{dark: true}, nil)
	m.roof.Open(context.Background())

	m.OnEnterClosing(machineAt(m, statemachine.Closing))

	if m.roof.IsOpen() {
		t.Errorf("roof IsOpen() = true after OnEnterClosing, want false")
	}
	if m.CloseFailed() {
		t.Errorf("CloseFailed() = true, want false for a healthy simulator roof")
	}
}
