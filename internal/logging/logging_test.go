package logging

import "testing"

func TestNewDevelopmentLogger(t *testing.T) {
	log, err := New(Options{Development: true, Level: "debug"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("hello", "key", "value")
}

func TestNewProductionLoggerDefaultsToInfo(t *testing.T) {
	log, err := New(Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("hello")
	if !log.V(0).Enabled() {
		t.Fatal("expected info enabled at the default level")
	}
	if log.V(1).Enabled() {
		t.Fatal("expected debug disabled at the default level")
	}
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New(Options{Level: "not-a-level"}); err == nil {
		t.Fatal("expected an error for an invalid level name")
	}
}
