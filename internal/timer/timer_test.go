package timer

import (
	"testing"
	"time"
)

func TestNotReadyBeforeTimeout(t *testing.T) {
	tm := New(50 * time.Millisecond)
	if tm.Ready() {
		t.Fatal("timer should not be ready immediately after construction")
	}
}

func TestReadyAfterTimeout(t *testing.T) {
	tm := New(20 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if !tm.Ready() {
		t.Fatal("timer should be ready after timeout elapses")
	}
}

func TestResetRearms(t *testing.T) {
	tm := New(20 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if !tm.Ready() {
		t.Fatal("expected ready before reset")
	}
	tm.Reset()
	if tm.Ready() {
		t.Fatal("expected not ready immediately after reset")
	}
	time.Sleep(30 * time.Millisecond)
	if !tm.Ready() {
		t.Fatal("expected ready again after re-arming")
	}
}
