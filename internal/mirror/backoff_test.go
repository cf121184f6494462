package mirror

import (
	"testing"
	"time"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second)

	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("attempt %d: Next() = %v, want %v", i+1, got, w*time.Second)
		}
	}

	b.Reset()
	if got := b.Next(); got != 5*time.Second {
		t.Errorf("after Reset: Next() = %v, want 5s", got)
	}
}

func TestBackoff_MaxBelowInitial(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Second)
	if b.Next() != 10*time.Second || b.Next() != 10*time.Second {
		t.Error("max below initial should pin the delay at initial")
	}
}
