package timing_test

import (
	"testing"
	"time"

	"github.com/lindenlab/raftcore/pkg/timing"
)

func TestHeartbeatTickerFires(t *testing.T) {
	ticker := timing.NewHeartbeatTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("ticker did not fire within 500ms")
	}
	ticker.Renew() // no-op, must not panic
}

func TestRandomDeadlineWithinBounds(t *testing.T) {
	min, max := 50*time.Millisecond, 100*time.Millisecond
	d := timing.NewRandomDeadline(min, max)

	for i := 0; i < 20; i++ {
		before := time.Now()
		d.Reset()
		delta := d.Next().Sub(before)
		if delta < min || delta >= max+5*time.Millisecond {
			t.Errorf("Reset() produced delta %v outside [%v, %v)", delta, min, max)
		}
	}
}

func TestRandomDeadlineDegenerateRange(t *testing.T) {
	d := timing.NewRandomDeadline(10*time.Millisecond, 10*time.Millisecond)
	before := time.Now()
	d.Reset()
	if d.Next().Before(before) {
		t.Error("Next() should not be before Reset was called")
	}
}
