package liveness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchsync/wire"
)

type recordedSend struct {
	branchID int64
	rec      wire.Record
}

type fakeSender struct {
	mu    sync.Mutex
	sends []recordedSend
	ok    bool
}

func (s *fakeSender) Send(branchID int64, rec wire.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, recordedSend{branchID: branchID, rec: rec})
	return s.ok
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type fakePurger struct {
	mu     sync.Mutex
	purged []int64
}

func (p *fakePurger) PurgeContract(contractID int64) {
	p.mu.Lock()
	p.purged = append(p.purged, contractID)
	p.mu.Unlock()
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *fakeAudit) Append(contractID, contractCS, branchID int64, requestType string, body any, outbound bool) {
	a.mu.Lock()
	a.entries = append(a.entries, requestType)
	a.mu.Unlock()
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, idle time.Duration) (*ContractTracker, *fakeSender, *fakePurger, *fakeAudit, *manualClock) {
	t.Helper()
	sender := &fakeSender{ok: true}
	purger := &fakePurger{}
	audit := &fakeAudit{}
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	tracker := NewContractTracker(ContractTrackerConfig{IdleTimeout: idle, SweepInterval: time.Hour}, sender, purger, audit, nil)
	tracker.SetClock(clock.now)
	return tracker, sender, purger, audit, clock
}

func TestBranchOf(t *testing.T) {
	assert.Equal(t, int64(7), BranchOf(7_000_123))
	assert.Equal(t, int64(0), BranchOf(999_999))
}

func TestPingUnknownContract(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t, time.Minute)
	assert.Equal(t, StatusExpired, tracker.Ping(7_000_123, true))
}

func TestPingRefreshesTimestamp(t *testing.T) {
	tracker, sender, _, _, clock := newTestTracker(t, time.Minute)
	tracker.Record(7_000_123)

	clock.advance(50 * time.Second)
	require.Equal(t, StatusOK, tracker.Ping(7_000_123, true))

	// Just before the refreshed deadline: the ping must have moved it.
	clock.advance(55 * time.Second)
	tracker.Sweep(clock.now())
	assert.Equal(t, StatusOK, tracker.Ping(7_000_123, false))
	assert.Zero(t, sender.count())
}

func TestPingWithoutActivityDoesNotRefresh(t *testing.T) {
	tracker, _, _, _, clock := newTestTracker(t, time.Minute)
	tracker.Record(7_000_123)

	clock.advance(50 * time.Second)
	require.Equal(t, StatusOK, tracker.Ping(7_000_123, false))

	clock.advance(11 * time.Second)
	tracker.Sweep(clock.now())
	assert.Equal(t, StatusExpired, tracker.Ping(7_000_123, false))
}

func TestBranchOfflinePing(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t, time.Minute)
	tracker.Record(7_000_123)
	tracker.Record(8_000_001)

	tracker.SetBranchOffline(7)
	assert.Equal(t, StatusBranchOffline, tracker.Ping(7_000_123, true))
	assert.Equal(t, StatusOK, tracker.Ping(8_000_001, true), "other branches unaffected")

	tracker.SetBranchOnline(7)
	assert.Equal(t, StatusOK, tracker.Ping(7_000_123, true), "reconnect restores the session")
}

func TestSetBranchOfflineZeroIsNoop(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t, time.Minute)
	tracker.Record(123) // derived branch id 0
	tracker.SetBranchOffline(0)
	assert.Equal(t, StatusOK, tracker.Ping(123, false))
}

func TestSweepThresholdExact(t *testing.T) {
	tracker, sender, _, _, clock := newTestTracker(t, time.Minute)
	tracker.Record(7_000_123)

	clock.advance(time.Minute - time.Second)
	tracker.Sweep(clock.now())
	require.Equal(t, StatusOK, tracker.Ping(7_000_123, false), "one tick short of idle must survive")

	clock.advance(2 * time.Second)
	tracker.Sweep(clock.now())
	assert.Equal(t, StatusExpired, tracker.Ping(7_000_123, false))
	assert.Equal(t, 1, sender.count(), "eviction emits exactly one unlock request")

	// Idempotent: sweeping again changes nothing.
	tracker.Sweep(clock.now())
	assert.Equal(t, 1, sender.count())
}

func TestSweepEmitsUnlockAndPurges(t *testing.T) {
	tracker, sender, purger, audit, clock := newTestTracker(t, time.Minute)
	tracker.Record(7_000_123)

	clock.advance(2 * time.Minute)
	tracker.Sweep(clock.now())

	require.Equal(t, 1, sender.count())
	send := sender.sends[0]
	assert.Equal(t, int64(7), send.branchID)
	assert.Equal(t, "unblockIndenture", send.rec["EventType"])
	assert.Equal(t, int64(7_000_123), send.rec["indentureID"])
	assert.Equal(t, []int64{7_000_123}, purger.purged)
	assert.Equal(t, []string{auditTypeUnlock}, audit.entries)
}

func TestSweepWithUnlockDisabled(t *testing.T) {
	tracker, sender, purger, _, clock := newTestTracker(t, time.Minute)
	tracker.Record(7_000_123)
	tracker.DisableUnlock(7_000_123)

	clock.advance(2 * time.Minute)
	tracker.Sweep(clock.now())

	assert.Equal(t, StatusExpired, tracker.Ping(7_000_123, false), "eviction removes the session regardless of the flag")
	assert.Zero(t, sender.count(), "cleared flag suppresses the compensating unlock")
	assert.Empty(t, purger.purged)
}

func TestRecordOverwriteRearmsUnlock(t *testing.T) {
	tracker, sender, _, _, clock := newTestTracker(t, time.Minute)
	tracker.Record(7_000_123)
	tracker.DisableUnlock(7_000_123)
	tracker.Record(7_000_123)

	clock.advance(2 * time.Minute)
	tracker.Sweep(clock.now())
	assert.Equal(t, 1, sender.count())
}
