package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")

	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger; this must not panic
	SetLogger(nil)
	Logf("test message %d", 1)
}

func TestComponent(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logEngine := Component("engine")

	// Installed after the component logger was created.
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	logEngine("event %d confirmed", 7)

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if want := "[engine] event 7 confirmed"; lines[0] != want {
		t.Errorf("got %q, want %q", lines[0], want)
	}
}
