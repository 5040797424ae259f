package transport

import (
	"testing"
	"time"
)

func TestBackoffPolicy(t *testing.T) {
	p := DefaultBackoffPolicy()

	want := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for attempt, expected := range want {
		if got := p.Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffPolicyCustom(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 3 * time.Second}
	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v", got)
	}
	if got := p.Delay(1); got != 2*time.Second {
		t.Errorf("Delay(1) = %v", got)
	}
	if got := p.Delay(5); got != 3*time.Second {
		t.Errorf("Delay(5) capped = %v", got)
	}
}
