package fault

import (
	"errors"
	"testing"
)

func TestBook_Record_BudgetCrossing(t *testing.T) {
	b := NewBook(2)

	if over := b.Record(New(RoofFault, errors.New("stuck"))); over {
		t.Fatalf("1st hardware fault should not cross budget of 2")
	}
	if over := b.Record(New(MountFault, errors.New("stall"))); over {
		t.Fatalf("2nd hardware fault should not cross budget of 2")
	}
	if over := b.Record(New(DetectorFault, errors.New("timeout"))); !over {
		t.Fatalf("3rd hardware fault should cross budget of 2")
	}

	if got := b.ErrorCount(); got != 3 {
		t.Errorf("ErrorCount() = %d, want 3", got)
	}
	if !b.OverBudget() {
		t.Errorf("OverBudget() = false, want true")
	}
}

func TestBook_Record_SoftwareFaultsDoNotCountTowardBudget(t *testing.T) {
	b := NewBook(0)
	for i := 0; i < 5; i++ {
		if over := b.Record(New(SchedulingFault, errors.New("empty queue"))); over {
			t.Fatalf("software fault should never cross the hardware budget")
		}
	}
	if got := b.ErrorCount(); got != 0 {
		t.Errorf("ErrorCount() = %d, want 0 (software faults don't count)", got)
	}
}

func TestBook_SchedulerExhausted(t *testing.T) {
	b := NewBook(100)
	for i := 0; i < 9; i++ {
		b.Record(New(SchedulingFault, errors.New("empty queue")))
	}
	if b.SchedulerExhausted() {
		t.Fatalf("SchedulerExhausted() = true after 9 consecutive, want false")
	}
	b.Record(New(SchedulingFault, errors.New("empty queue")))
	if !b.SchedulerExhausted() {
		t.Fatalf("SchedulerExhausted() = false after 10 consecutive, want true")
	}
}

func TestBook_RecordSuccess_ResetsConsecutiveCounter(t *testing.T) {
	b := NewBook(100)
	for i := 0; i < 9; i++ {
		b.Record(New(SchedulingFault, errors.New("empty queue")))
	}
	b.RecordSuccess()
	b.Record(New(SchedulingFault, errors.New("empty queue")))
	if b.SchedulerExhausted() {
		t.Fatalf("SchedulerExhausted() = true, want false: RecordSuccess should have reset the streak")
	}
}

func TestKind_IsHardware(t *testing.T) {
	hardware := []Kind{RoofFault, MountFault, InstrumentFault, DetectorFault, FocuserFault}
	software := []Kind{SchedulingFault, AcquisitionFault, FocusRunFault}

	for _, k := range hardware {
		if !k.IsHardware() {
			t.Errorf("%s.IsHardware() = false, want true", k)
		}
	}
	for _, k := range software {
		if k.IsHardware() {
			t.Errorf("%s.IsHardware() = true, want false", k)
		}
	}
}

func TestBook_Counts(t *testing.T) {
	b := NewBook(10)
	b.Record(New(RoofFault, errors.New("x")))
	b.Record(New(RoofFault, errors.New("y")))
	b.Record(New(AcquisitionFault, errors.New("z")))

	counts := b.Counts()
	if counts[RoofFault] != 2 {
		t.Errorf("Counts()[RoofFault] = %d, want 2", counts[RoofFault])
	}
	if counts[AcquisitionFault] != 1 {
		t.Errorf("Counts()[AcquisitionFault] = %d, want 1", counts[AcquisitionFault])
	}
}
