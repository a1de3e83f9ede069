package breaker

import (
	"errors"
	"testing"
)

func TestDoPassesThroughSuccess(t *testing.T) {
	b := New("test")
	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected success to pass through, got err=%v called=%v", err, called)
	}
}

func TestDoOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test")
	failing := errors.New("downstream down")

	for i := 0; i < 5; i++ {
		_ = b.Do(func() error { return failing })
	}

	if b.State() != "open" {
		t.Fatalf("expected breaker to be open after 5 failures, got %s", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if called {
		t.Fatalf("expected open breaker to short-circuit without calling fn")
	}
	if err == nil {
		t.Fatalf("expected an error from an open breaker")
	}
}
