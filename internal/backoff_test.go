package internal

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToMaximum(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("step %d: got %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset got %v", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if got := b.Next(); got != time.Second {
		t.Fatalf("zero initial should default to a second, got %v", got)
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("maximum is clamped to initial, got %v", got)
	}
}
