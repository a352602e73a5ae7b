package sleepdetector

import (
	"testing"
	"time"
)

func TestShouldFireBelowThreshold(t *testing.T) {
	if shouldFire(1900*time.Millisecond, time.Second, 2) {
		t.Fatal("a 1.9x gap is below a 2x threshold and should not fire")
	}
}

func TestShouldFireAboveThreshold(t *testing.T) {
	if !shouldFire(3*time.Second, time.Second, 2) {
		t.Fatal("expected a 3x gap to fire with a 2x threshold")
	}
}

func TestShouldFireWithinNormalJitter(t *testing.T) {
	if shouldFire(1100*time.Millisecond, time.Second, 2) {
		t.Fatal("small scheduling jitter should not fire")
	}
}

func TestStartStopNoCallback(t *testing.T) {
	fired := make(chan time.Duration, 1)
	d := New(20*time.Millisecond, 5, func(gap time.Duration) {
		select {
		case fired <- gap:
		default:
		}
	})
	d.Start()
	time.Sleep(120 * time.Millisecond)
	d.Stop()

	select {
	case gap := <-fired:
		t.Fatalf("did not expect a fire under normal scheduling, got gap=%v", gap)
	default:
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	d := New(10*time.Millisecond, 2, func(time.Duration) {})
	d.Start()
	d.Start()
	d.Stop()
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	d := New(10*time.Millisecond, 2, func(time.Duration) {})
	d.Stop()
}
