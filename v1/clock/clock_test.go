package clock

import (
	"testing"
	"time"
)

func TestManualTimerFiresOnAdvance(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	timer := clk.NewTimer(time.Second)

	clk.Advance(500 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clk.Advance(500 * time.Millisecond)
	select {
	case at := <-timer.C():
		if !at.Equal(time.Unix(1, 0)) {
			t.Fatalf("fired at %v", at)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestManualTimerStop(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	timer := clk.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("stop should report the timer was armed")
	}
	if timer.Stop() {
		t.Fatal("second stop should report false")
	}
	clk.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	if clk.Timers() != 0 {
		t.Fatalf("expected 0 armed timers, got %d", clk.Timers())
	}
}

func TestManualTimerZeroDurationFiresImmediately(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	timer := clk.NewTimer(0)
	select {
	case <-timer.C():
	default:
		t.Fatal("zero-duration timer did not fire")
	}
}

func TestManualTickerFiresPerInterval(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	ticker := clk.NewTicker(time.Second)
	defer ticker.Stop()

	clk.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}

	clk.Advance(3 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire again")
	}
}

func TestManualNowAdvances(t *testing.T) {
	start := time.Unix(100, 0)
	clk := NewManual(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("now %v", clk.Now())
	}
	clk.Advance(time.Minute)
	if !clk.Now().Equal(start.Add(time.Minute)) {
		t.Fatalf("now %v", clk.Now())
	}
}

func TestSystemClockTimer(t *testing.T) {
	clk := System()
	timer := clk.NewTimer(10 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("system timer did not fire")
	}
}
