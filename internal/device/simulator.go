// Simulator implementations of the device ports: file-backed weather,
// and in-memory roof/mount/instrument/detector simulators driven by a
// shared fault-injection options set.
//
// FileWeather tails an append-only log file the same way a storage
// layer might tail a write-ahead log; actionState tracks a
// mutex-protected per-action call counter, the same idiom a token-bucket
// rate limiter would use to gate calls.
package device

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

// ActionOptions is one device action's recognized simulator options:
// how long the action takes, whether it should fail after a fixed call
// count, and/or with a given probability per call.
type ActionOptions struct {
	TimeTo         time.Duration
	FailAfter      *int // raise on the (FailAfter+1)th call; nil = never
	RandomFailRate float64
}

// SimOptions is the full recognized-options set for one simulated
// device, keyed by action name ("open", "close", "slew", "park",
// "unpark", "configure", "setup", "expose").
type SimOptions struct {
	Actions              map[string]ActionOptions
	SimulateExposureTime bool // detector only
}

// actionState tracks the call count for one action, for FailAfter.
type actionState struct {
	mu    sync.Mutex
	calls map[string]int
}

func newActionState() *actionState {
	return &actionState{calls: make(map[string]int)}
}

// step sleeps the configured TimeTo, then decides success/failure for
// the named action. Returns an error (non-nil) iff the action should
// fail this call.
func (s *actionState) step(ctx context.Context, opts SimOptions, action string, rng *rand.Rand) error {
	ao := opts.Actions[action]

	if ao.TimeTo > 0 {
		select {
		case <-time.After(ao.TimeTo):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls[action]++
	n := s.calls[action]
	s.mu.Unlock()

	if ao.FailAfter != nil && n > *ao.FailAfter {
		return fmt.Errorf("%s: simulated failure after %d calls", action, *ao.FailAfter)
	}
	if ao.RandomFailRate > 0 && rng.Float64() < ao.RandomFailRate {
		return fmt.Errorf("%s: simulated random failure (rate=%.3f)", action, ao.RandomFailRate)
	}
	return nil
}

// rngFor returns a new time-seeded RNG source; each simulator owns its
// own *rand.Rand, which step reads outside actionState's lock.
func rngFor() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// ─── Weather ──────────────────────────────────────────────────────────────

// FileWeather reads an append-only safety log: each line is
// "<RFC3339-ish local timestamp> <safe|unsafe>". The latest line
// governs; a reading older than AgeLimit counts as unsafe.
type FileWeather struct {
	Path     string
	AgeLimit time.Duration // typical deployments use 300-600s
}

type weatherLine struct {
	at   time.Time
	safe bool
}

func (w FileWeather) latest() (weatherLine, bool) {
	f, err := os.Open(w.Path)
	if err != nil {
		return weatherLine{}, false
	}
	defer f.Close()

	var last weatherLine
	found := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		t, err := time.ParseInLocation("2006-01-02T15:04:05", fields[0], time.Local)
		if err != nil {
			continue
		}
		last = weatherLine{at: t, safe: fields[1] == "safe"}
		found = true
	}
	return last, found
}

// IsSafe reports the latest logged reading, treating a stale or
// unreadable log as unsafe — staleness is a first-class fault path,
// not silently ignored.
func (w FileWeather) IsSafe(now time.Time) bool {
	last, ok := w.latest()
	if !ok {
		return false
	}
	if now.Sub(last.at) > w.ageLimit() {
		return false
	}
	return last.safe
}

// WasSafeSince reports whether the latest reading is both safe and at
// or after t.
func (w FileWeather) WasSafeSince(t time.Time) bool {
	last, ok := w.latest()
	if !ok {
		return false
	}
	if !last.safe {
		return false
	}
	return !last.at.Before(t)
}

func (w FileWeather) ageLimit() time.Duration {
	if w.AgeLimit <= 0 {
		return 300 * time.Second
	}
	return w.AgeLimit
}

// ─── Roof ─────────────────────────────────────────────────────────────────

// SimRoof is the in-memory roof simulator.
type SimRoof struct {
	Opts SimOptions

	state *actionState
	rng   *rand.Rand
	mu    sync.Mutex
	open  bool
}

// NewSimRoof creates a SimRoof starting closed.
func NewSimRoof(opts SimOptions) *SimRoof {
	return &SimRoof{Opts: opts, state: newActionState(), rng: rngFor()}
}

func (r *SimRoof) Open(ctx context.Context) error {
	if err := r.state.step(ctx, r.Opts, "open", r.rng); err != nil {
		return err
	}
	r.mu.Lock()
	r.open = true
	r.mu.Unlock()
	return nil
}

func (r *SimRoof) Close(ctx context.Context) error {
	if err := r.state.step(ctx, r.Opts, "close", r.rng); err != nil {
		return err
	}
	r.mu.Lock()
	r.open = false
	r.mu.Unlock()
	return nil
}

func (r *SimRoof) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// ─── Mount ────────────────────────────────────────────────────────────────

// SimMount is the in-memory mount simulator.
type SimMount struct {
	Opts SimOptions

	state *actionState
	rng   *rand.Rand
	mu    sync.Mutex
	park  bool
	track bool
	pos   ob.Coordinate
}

// NewSimMount creates a SimMount starting parked, not tracking.
func NewSimMount(opts SimOptions) *SimMount {
	return &SimMount{Opts: opts, state: newActionState(), rng: rngFor(), park: true}
}

func (m *SimMount) Slew(ctx context.Context, c ob.Coordinate) error {
	if err := m.state.step(ctx, m.Opts, "slew", m.rng); err != nil {
		return err
	}
	m.mu.Lock()
	m.pos = c
	m.park = false
	m.mu.Unlock()
	return nil
}

func (m *SimMount) Park(ctx context.Context) error {
	if err := m.state.step(ctx, m.Opts, "park", m.rng); err != nil {
		return err
	}
	m.mu.Lock()
	m.park = true
	m.track = false
	m.mu.Unlock()
	return nil
}

func (m *SimMount) Unpark(ctx context.Context) error {
	if err := m.state.step(ctx, m.Opts, "unpark", m.rng); err != nil {
		return err
	}
	m.mu.Lock()
	m.park = false
	m.mu.Unlock()
	return nil
}

func (m *SimMount) AtPark() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.park
}

func (m *SimMount) Tracking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track
}

func (m *SimMount) SetTracking(ctx context.Context, on bool) error {
	m.mu.Lock()
	m.track = on
	m.mu.Unlock()
	return nil
}

func (m *SimMount) CollectHeaderMetadata() Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Header{
		"TELRA":  fmt.Sprintf("%.6f", m.pos.RADeg),
		"TELDEC": fmt.Sprintf("%.6f", m.pos.DecDeg),
	}
}

// ─── Instrument ─────────────────────────────────────────────────────────────

// SimInstrument is the in-memory instrument simulator.
type SimInstrument struct {
	Opts SimOptions

	state *actionState
	rng   *rand.Rand
	mu    sync.Mutex
	cfg   ob.InstConfig
}

// NewSimInstrument creates a SimInstrument.
func NewSimInstrument(opts SimOptions) *SimInstrument {
	return &SimInstrument{Opts: opts, state: newActionState(), rng: rngFor()}
}

func (i *SimInstrument) Configure(ctx context.Context, c ob.InstConfig) error {
	if err := i.state.step(ctx, i.Opts, "configure", i.rng); err != nil {
		return err
	}
	i.mu.Lock()
	i.cfg = c
	i.mu.Unlock()
	return nil
}

func (i *SimInstrument) CollectHeaderMetadata() Header {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Header{
		"DCINSTR": "simulator",
		"ICFILT":  i.cfg.Filter,
	}
}

// ─── Detector ───────────────────────────────────────────────────────────────

// SimDetector is the in-memory detector simulator.
type SimDetector struct {
	Opts SimOptions

	state *actionState
	rng   *rand.Rand
	mu    sync.Mutex
	cfg   ob.DetConfig
}

// NewSimDetector creates a SimDetector.
func NewSimDetector(opts SimOptions) *SimDetector {
	return &SimDetector{Opts: opts, state: newActionState(), rng: rngFor()}
}

func (d *SimDetector) Setup(ctx context.Context, c ob.DetConfig) error {
	if err := d.state.step(ctx, d.Opts, "setup", d.rng); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = c
	d.mu.Unlock()
	return nil
}

func (d *SimDetector) Expose(ctx context.Context, h Header) (ImageBundle, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	if d.Opts.SimulateExposureTime && cfg.ExposureTime > 0 {
		select {
		case <-time.After(cfg.ExposureTime):
		case <-ctx.Done():
			return ImageBundle{}, ctx.Err()
		}
	}
	if err := d.state.step(ctx, d.Opts, "expose", d.rng); err != nil {
		return ImageBundle{}, err
	}

	return ImageBundle{Data: encodeSimFrame(h), Ext: "fits"}, nil
}

// encodeSimFrame renders a minimal FITS-like ASCII header block as the
// simulated pixel payload; a real FITS writer is out of scope here.
func encodeSimFrame(h Header) []byte {
	var b strings.Builder
	for k, v := range h {
		fmt.Fprintf(&b, "%-8s= %s\n", k, v)
	}
	b.WriteString("END\n")
	return []byte(b.String())
}
