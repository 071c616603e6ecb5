package telemetry

import "testing"

func TestNewLoggerBothModes(t *testing.T) {
	dev, err := NewLogger(false)
	if err != nil {
		t.Fatalf("dev logger: %v", err)
	}
	defer dev.Sync()

	prod, err := NewLogger(true)
	if err != nil {
		t.Fatalf("prod logger: %v", err)
	}
	defer prod.Sync()

	child := Named(prod, "gateway")
	if child.Name() != "gateway" {
		t.Fatalf("expected named logger \"gateway\", got %q", child.Name())
	}
}
