// Package fault implements the sequencer's fault taxonomy and budget
// accounting: every caught fault is appended to one of two ordered
// lists (hardware, software) and a single counter is checked against a
// single budget — no weighted composite score.
package fault

import (
	"fmt"
	"sync"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/observability"
)

// Kind names a fault's concrete type within its taxon.
type Kind int

const (
	// Hardware taxon.
	RoofFault Kind = iota
	MountFault
	InstrumentFault
	DetectorFault
	FocuserFault

	// Software taxon.
	SchedulingFault
	AcquisitionFault
	FocusRunFault
)

func (k Kind) String() string {
	switch k {
	case RoofFault:
		return "RoofFault"
	case MountFault:
		return "MountFault"
	case InstrumentFault:
		return "InstrumentFault"
	case DetectorFault:
		return "DetectorFault"
	case FocuserFault:
		return "FocuserFault"
	case SchedulingFault:
		return "SchedulingFault"
	case AcquisitionFault:
		return "AcquisitionFault"
	case FocusRunFault:
		return "FocusRunFault"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsHardware reports whether this kind belongs to the hardware taxon.
func (k Kind) IsHardware() bool {
	return k <= FocuserFault
}

// Fault is one recorded failure: a kind and the device/subsystem message.
type Fault struct {
	Kind    Kind
	Message string
}

func (f Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// New builds a Fault of the given kind wrapping an underlying error.
func New(kind Kind, err error) Fault {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Fault{Kind: kind, Message: msg}
}

// Book holds two ordered, append-only fault lists, a running error
// count, and the allowed-errors budget. All methods are safe for
// concurrent use — the exposure fan-out reports DetectorFaults from
// worker goroutines joined by the driver, and the driver itself
// records faults on the main sequencing goroutine.
type Book struct {
	mu              sync.Mutex
	hardwareErrors  []Fault
	softwareErrors  []Fault
	errorCount      int
	allowedErrors   int
	consecutiveSched int
	metrics         *observability.Metrics
}

// NewBook creates a Book with the given error budget.
func NewBook(allowedErrors int) *Book {
	return &Book{allowedErrors: allowedErrors}
}

// SetMetrics attaches the sequencer's Prometheus metrics so every
// recorded fault is also counted there. Optional: a Book with no
// metrics attached still accounts faults correctly, it just doesn't
// export them.
func (b *Book) SetMetrics(m *observability.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// Record appends f to the appropriate taxon list and increments
// error_count. Returns true if recording this fault pushed the book
// over budget (error_count > allowed_errors) — the caller is
// responsible for setting we_are_done in that case.
func (b *Book) Record(f Fault) (overBudget bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f.Kind.IsHardware() {
		b.hardwareErrors = append(b.hardwareErrors, f)
		b.errorCount++
	} else {
		b.softwareErrors = append(b.softwareErrors, f)
		if f.Kind == SchedulingFault {
			b.consecutiveSched++
		} else {
			b.consecutiveSched = 0
		}
	}
	if b.metrics != nil {
		b.metrics.FaultsTotal.WithLabelValues(f.Kind.String()).Inc()
	}
	return b.errorCount > b.allowedErrors
}

// RecordSuccess resets the consecutive-scheduling-fault counter; called
// whenever an OB is successfully popped.
func (b *Book) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveSched = 0
}

// SchedulerExhausted reports whether ten or more consecutive
// SchedulingFaults have been recorded without an intervening success.
func (b *Book) SchedulerExhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveSched >= 10
}

// ErrorCount returns the current hardware error count.
func (b *Book) ErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount
}

// AllowedErrors returns the configured budget.
func (b *Book) AllowedErrors() int {
	return b.allowedErrors
}

// OverBudget reports whether error_count has exceeded allowed_errors.
func (b *Book) OverBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount > b.allowedErrors
}

// HardwareErrors returns a copy of the recorded hardware faults.
func (b *Book) HardwareErrors() []Fault {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Fault, len(b.hardwareErrors))
	copy(out, b.hardwareErrors)
	return out
}

// SoftwareErrors returns a copy of the recorded software faults.
func (b *Book) SoftwareErrors() []Fault {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Fault, len(b.softwareErrors))
	copy(out, b.softwareErrors)
	return out
}

// Counts returns (hardware, software) fault counts by Kind, for the
// night summary.
func (b *Book) Counts() map[Kind]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[Kind]int)
	for _, f := range b.hardwareErrors {
		counts[f.Kind]++
	}
	for _, f := range b.softwareErrors {
		counts[f.Kind]++
	}
	return counts
}
