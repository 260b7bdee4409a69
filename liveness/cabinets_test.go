package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCabinets(t *testing.T, idle time.Duration) (*CabinetTracker, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	tracker := NewCabinetTracker(CabinetTrackerConfig{IdleTimeout: idle, SweepInterval: time.Hour}, nil)
	tracker.SetClock(clock.now)
	return tracker, clock
}

func TestCabinetRecordAndLookup(t *testing.T) {
	tracker, _ := newTestCabinets(t, time.Minute)
	payload := map[string]any{"name": "client"}
	tracker.Record(42, payload)

	got, ok := tracker.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	_, ok = tracker.Lookup(43)
	assert.False(t, ok)
}

func TestCabinetPing(t *testing.T) {
	tracker, clock := newTestCabinets(t, time.Minute)
	assert.Equal(t, StatusExpired, tracker.Ping(42, true))

	tracker.Record(42, nil)
	clock.advance(50 * time.Second)
	require.Equal(t, StatusOK, tracker.Ping(42, true))

	clock.advance(55 * time.Second)
	tracker.Sweep(clock.now())
	assert.Equal(t, StatusOK, tracker.Ping(42, false), "activity ping must have refreshed the deadline")
}

func TestCabinetSweep(t *testing.T) {
	tracker, clock := newTestCabinets(t, time.Minute)
	tracker.Record(42, nil)
	tracker.Record(43, nil)

	clock.advance(30 * time.Second)
	require.Equal(t, StatusOK, tracker.Ping(43, true))

	clock.advance(45 * time.Second)
	tracker.Sweep(clock.now())

	assert.Equal(t, StatusExpired, tracker.Ping(42, false))
	assert.Equal(t, StatusOK, tracker.Ping(43, false))
	_, ok := tracker.Lookup(42)
	assert.False(t, ok)
}

func TestCabinetDelete(t *testing.T) {
	tracker, _ := newTestCabinets(t, time.Minute)
	tracker.Record(42, "payload")
	tracker.Delete(42)
	assert.Equal(t, StatusExpired, tracker.Ping(42, false))
}
