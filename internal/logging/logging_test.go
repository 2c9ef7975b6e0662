package logging

import "testing"

func TestShutdownFlag(t *testing.T) {
	if IsShuttingDown() {
		t.Fatal("shutdown flag set before SetShuttingDown")
	}
	SetShuttingDown()
	if !IsShuttingDown() {
		t.Fatal("shutdown flag not set after SetShuttingDown")
	}
}
