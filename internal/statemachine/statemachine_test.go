package statemachine

import (
	"testing"
	"time"
)

// fakeHooks is a minimal, fully scriptable Hooks implementation: guard
// predicates are plain bool fields the test flips directly, and actions
// just count invocations plus optionally fire a follow-up trigger — no
// devices, no sleeping, so tests run instantly and deterministically.
type fakeHooks struct {
	isSafe, isDark, weAreDone           bool
	haveTarget, acquisitionFailed       bool
	focusNext, focusFailed              bool
	readyToOpen, longWait               bool
	openFailed, closeFailed             bool

	entries map[State]int
	onEnter func(s State, m *Machine) // optional override, e.g. to fire a trigger
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{entries: make(map[State]int)}
}

func (f *fakeHooks) IsSafe() bool             { return f.isSafe }
func (f *fakeHooks) IsDark() bool             { return f.isDark }
func (f *fakeHooks) WeAreDone() bool          { return f.weAreDone }
func (f *fakeHooks) HaveTarget() bool         { return f.haveTarget }
func (f *fakeHooks) AcquisitionFailed() bool  { return f.acquisitionFailed }
func (f *fakeHooks) FocusNext() bool          { return f.focusNext }
func (f *fakeHooks) FocusFailed() bool        { return f.focusFailed }
func (f *fakeHooks) ReadyToOpen() bool        { return f.readyToOpen }
func (f *fakeHooks) LongWait() bool           { return f.longWait }
func (f *fakeHooks) OpenFailed() bool         { return f.openFailed }
func (f *fakeHooks) CloseFailed() bool        { return f.closeFailed }

func (f *fakeHooks) enter(s State, m *Machine) {
	f.entries[s]++
	if f.onEnter != nil {
		f.onEnter(s, m)
	}
}

func (f *fakeHooks) OnEnterSleeping(m *Machine)     { f.enter(Sleeping, m) }
func (f *fakeHooks) OnEnterOpening(m *Machine)      { f.enter(Opening, m) }
func (f *fakeHooks) OnEnterWaitingOpen(m *Machine)  { f.enter(WaitingOpen, m) }
func (f *fakeHooks) OnEnterWaitingClosed(m *Machine) { f.enter(WaitingClosed, m) }
func (f *fakeHooks) OnEnterAcquiring(m *Machine)    { f.enter(Acquiring, m) }
func (f *fakeHooks) OnEnterFocusing(m *Machine)     { f.enter(Focusing, m) }
func (f *fakeHooks) OnEnterObserving(m *Machine)    { f.enter(Observing, m) }
func (f *fakeHooks) OnEnterParking(m *Machine)      { f.enter(Parking, m) }
func (f *fakeHooks) OnEnterClosing(m *Machine)      { f.enter(Closing, m) }
func (f *fakeHooks) OnEnterPau(m *Machine)          { f.enter(Pau, m) }
func (f *fakeHooks) OnEnterAlert(m *Machine)        { f.enter(Alert, m) }

func TestMachine_WakeUp_HappyPathToOpening(t *testing.T) {
	h := newFakeHooks()
	h.isSafe, h.isDark = true, true
	m := New(Sleeping, h)

	m.Fire(WakeUp)

	if got := m.Current(); got != Opening {
		t.Fatalf("Current() = %v, want Opening", got)
	}
	if h.entries[Opening] != 1 {
		t.Errorf("OnEnterOpening called %d times, want 1", h.entries[Opening])
	}
}

func TestMachine_WakeUp_ElseRow_GoesToPau(t *testing.T) {
	h := newFakeHooks()
	h.isSafe, h.isDark = false, true // not safe -> first guard fails, falls through to unconditional row
	m := New(Sleeping, h)

	m.Fire(WakeUp)

	if got := m.Current(); got != Pau {
		t.Fatalf("Current() = %v, want Pau", got)
	}
}

// TestMachine_DeclarationOrderTieBreak exercises the table's documented
// tie-break: done_waiting from waiting_closed has two guarded rows; when
// ready_to_open is also true alongside we_are_done, the first declared
// row (-> opening) wins, never the second (-> parking).
func TestMachine_DeclarationOrderTieBreak(t *testing.T) {
	h := newFakeHooks()
	h.readyToOpen = true
	h.weAreDone = true // would also satisfy the second row if evaluated
	m := New(WaitingClosed, h)

	m.Fire(DoneWaiting)

	if got := m.Current(); got != Opening {
		t.Fatalf("Current() = %v, want Opening (declaration-order tie-break)", got)
	}
}

// TestMachine_QueuedDispatch_NotReentrant verifies that a trigger fired
// from inside an on-entry action is processed after that action returns,
// not recursively inside it.
func TestMachine_QueuedDispatch_NotReentrant(t *testing.T) {
	h := newFakeHooks()
	h.isSafe, h.isDark = true, true

	var sawCurrentDuringOpeningEntry State
	h.onEnter = func(s State, m *Machine) {
		if s == Opening {
			m.Fire(DoneOpening) // enqueued, not recursed
			sawCurrentDuringOpeningEntry = m.Current()
		}
	}
	m := New(Sleeping, h)
	m.Fire(WakeUp)

	if sawCurrentDuringOpeningEntry != Opening {
		t.Errorf("Current() during OnEnterOpening = %v, want Opening (dispatch must not have recursed yet)", sawCurrentDuringOpeningEntry)
	}
	if got := m.Current(); got != WaitingOpen {
		t.Fatalf("Current() after queue drains = %v, want WaitingOpen", got)
	}
}

func TestMachine_PanicWildcard_FromAnyState(t *testing.T) {
	for _, start := range []State{Sleeping, Opening, WaitingOpen, WaitingClosed, Acquiring, Focusing, Observing} {
		h := newFakeHooks()
		m := New(start, h)
		m.Fire(Panic)
		if got := m.Current(); got != Parking {
			t.Errorf("from %v: Current() after Panic = %v, want Parking", start, got)
		}
	}
}

func TestMachine_NoMatchingRow_IsANoOp(t *testing.T) {
	h := newFakeHooks()
	m := New(Sleeping, h)
	m.Fire(DoneClosing) // no row for (DoneClosing, Sleeping)
	if got := m.Current(); got != Sleeping {
		t.Fatalf("Current() = %v, want Sleeping (stray trigger must be ignored)", got)
	}
}

func TestMachine_TerminalState_StopsDrainingQueue(t *testing.T) {
	h := newFakeHooks()
	h.isSafe, h.isDark = false, true
	m := New(Sleeping, h)

	m.Fire(WakeUp) // -> Pau (terminal)
	m.Fire(DoneOpening)

	if got := m.Current(); got != Pau {
		t.Fatalf("Current() = %v, want Pau to remain terminal", got)
	}
}

func TestMachine_Durations_AccumulatesPerState(t *testing.T) {
	h := newFakeHooks()
	h.isSafe, h.isDark = true, true
	m := New(Sleeping, h)
	m.Fire(WakeUp)

	d := m.Durations()
	if _, ok := d[Sleeping]; !ok {
		t.Errorf("Durations() missing an entry for Sleeping")
	}
	if _, ok := d[Opening]; !ok {
		t.Errorf("Durations() missing an entry for the current state Opening")
	}
}

func TestMachine_OnTransition_FiresWithCorrectArgs(t *testing.T) {
	h := newFakeHooks()
	h.isSafe, h.isDark = true, true
	m := New(Sleeping, h)

	var gotFrom, gotTo State
	var gotTrigger Trigger
	var gotDwell time.Duration
	m.OnTransition(func(from, to State, trigger Trigger, dwell time.Duration) {
		gotFrom, gotTo, gotTrigger, gotDwell = from, to, trigger, dwell
	})
	m.Fire(WakeUp)

	if gotFrom != Sleeping || gotTo != Opening || gotTrigger != WakeUp {
		t.Errorf("OnTransition callback got (%v, %v, %v), want (Sleeping, Opening, wake_up)", gotFrom, gotTo, gotTrigger)
	}
	if gotDwell < 0 {
		t.Errorf("OnTransition callback got negative dwell %v", gotDwell)
	}
}
