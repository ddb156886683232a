// ABOUTME: Tests for the deterministic fake clock.
// ABOUTME: Covers After, AfterFunc, tickers, stop/reset, and waiter accounting.

package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFake_NowAdvance(t *testing.T) {
	c := NewFake(testEpoch)
	assert.Equal(t, testEpoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, testEpoch.Add(90*time.Second), c.Now())
}

func TestFake_After(t *testing.T) {
	c := NewFake(testEpoch)
	ch := c.After(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFake_After_NonPositive(t *testing.T) {
	c := NewFake(testEpoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero-duration After should deliver immediately")
	}
}

func TestFake_AfterFunc(t *testing.T) {
	c := NewFake(testEpoch)
	var fired atomic.Int32

	c.AfterFunc(5*time.Second, func() { fired.Add(1) })
	c.Advance(4 * time.Second)
	assert.Equal(t, int32(0), fired.Load())

	c.Advance(1 * time.Second)
	assert.Equal(t, int32(1), fired.Load())

	// One-shot: further advances must not re-fire.
	c.Advance(time.Minute)
	assert.Equal(t, int32(1), fired.Load())
}

func TestFake_AfterFunc_Stop(t *testing.T) {
	c := NewFake(testEpoch)
	var fired atomic.Int32

	timer := c.AfterFunc(5*time.Second, func() { fired.Add(1) })
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second Stop should report inactive")

	c.Advance(time.Minute)
	assert.Equal(t, int32(0), fired.Load())
}

func TestFake_AfterFunc_Reset(t *testing.T) {
	c := NewFake(testEpoch)
	var fired atomic.Int32

	timer := c.AfterFunc(5*time.Second, func() { fired.Add(1) })
	c.Advance(3 * time.Second)
	require.True(t, timer.Reset(5*time.Second))

	c.Advance(3 * time.Second)
	assert.Equal(t, int32(0), fired.Load(), "reset should push the deadline out")

	c.Advance(2 * time.Second)
	assert.Equal(t, int32(1), fired.Load())
}

func TestFake_Ticker(t *testing.T) {
	c := NewFake(testEpoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		c.Advance(10 * time.Second)
		select {
		case <-ticker.C:
			ticks++
		default:
			t.Fatalf("missing tick %d", i)
		}
	}
	assert.Equal(t, 3, ticks)
}

func TestFake_Ticker_Stop(t *testing.T) {
	c := NewFake(testEpoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker must not tick")
	default:
	}
}

func TestFake_PendingCount(t *testing.T) {
	c := NewFake(testEpoch)
	assert.Equal(t, 0, c.PendingCount())

	c.After(time.Second)
	timer := c.AfterFunc(time.Second, func() {})
	assert.Equal(t, 2, c.PendingCount())

	timer.Stop()
	assert.Equal(t, 1, c.PendingCount())
}

func TestFake_WaitForTimers(t *testing.T) {
	c := NewFake(testEpoch)
	done := make(chan struct{})

	go func() {
		c.Sleep(5 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper did not wake after advance")
	}
}
