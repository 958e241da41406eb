package scheduler

import (
	"errors"
	"testing"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

func blocks(names ...string) []ob.Block {
	out := make([]ob.Block, len(names))
	for i, n := range names {
		out[i] = ob.Block{Target: ob.Target{Name: n}}
	}
	return out
}

func TestScheduler_SelectIsFIFO(t *testing.T) {
	s := New(blocks("a", "b", "c"))

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.Select()
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got.Target.Name != want {
			t.Errorf("Select() = %q, want %q", got.Target.Name, want)
		}
	}

	if _, err := s.Select(); !errors.Is(err, ErrExhausted) {
		t.Errorf("Select() on empty queue: err = %v, want ErrExhausted", err)
	}
}

func TestScheduler_Remaining(t *testing.T) {
	s := New(blocks("a", "b"))
	if got := s.Remaining(); got != 2 {
		t.Errorf("Remaining() = %d, want 2", got)
	}
	s.Select()
	if got := s.Remaining(); got != 1 {
		t.Errorf("Remaining() = %d, want 1", got)
	}
}

func TestScheduler_NewDoesNotAliasCallerSlice(t *testing.T) {
	src := blocks("a", "b")
	s := New(src)
	src[0].Target.Name = "mutated"

	got, err := s.Select()
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Target.Name != "a" {
		t.Errorf("Select() = %q, want %q (scheduler should have copied its queue)", got.Target.Name, "a")
	}
}
