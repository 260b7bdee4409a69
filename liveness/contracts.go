package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"branchsync/wire"
)

const (
	defaultContractIdle  = 90 * time.Second
	defaultSweepInterval = 15 * time.Second

	auditTypeUnlock = "6"
)

type contractSession struct {
	touchedAt    time.Time
	branchID     int64
	branchOnline bool
	sendUnlock   bool
}

// ContractTracker records which contracts are currently open on the web side
// and, once one goes idle, evicts it and asks its branch to release the
// contract-level lock.
type ContractTracker struct {
	mu       sync.Mutex
	sessions map[int64]*contractSession

	sender Sender
	queue  Purger
	audit  AuditLog

	idle       time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// ContractTrackerConfig bounds contract session lifetime.
type ContractTrackerConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// NewContractTracker wires the tracker to the connection manager (unlock
// delivery), the correlation queue (purge on eviction) and the audit sink.
func NewContractTracker(cfg ContractTrackerConfig, sender Sender, queue Purger, audit AuditLog, logger *slog.Logger) *ContractTracker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultContractIdle
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContractTracker{
		sessions:   make(map[int64]*contractSession),
		sender:     sender,
		queue:      queue,
		audit:      audit,
		idle:       cfg.IdleTimeout,
		sweepEvery: cfg.SweepInterval,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "contract_tracker")),
	}
}

// SetClock overrides the tracker clock. Tests only.
func (t *ContractTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Record creates or overwrites the session for a contract the client just
// opened. The unlock flag starts set: if the session dies idle, the branch
// must be told to release the contract.
func (t *ContractTracker) Record(contractID int64) {
	t.mu.Lock()
	t.sessions[contractID] = &contractSession{
		touchedAt:    t.now(),
		branchID:     BranchOf(contractID),
		branchOnline: true,
		sendUnlock:   true,
	}
	t.mu.Unlock()
}

// Ping reports the session state and, when active is true, refreshes its
// idle timestamp. A session whose branch dropped offline reports
// StatusBranchOffline without refreshing.
func (t *ContractTracker) Ping(contractID int64, active bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[contractID]
	if !ok {
		return StatusExpired
	}
	if !session.branchOnline {
		return StatusBranchOffline
	}
	if active {
		session.touchedAt = t.now()
	}
	return StatusOK
}

// DisableUnlock clears the session's unlock flag after a terminal outcome
// (e.g. a completed payment) makes a compensating unlock request pointless.
// The session itself stays tracked and is still evicted when idle.
func (t *ContractTracker) DisableUnlock(contractID int64) {
	t.mu.Lock()
	if session, ok := t.sessions[contractID]; ok {
		session.sendUnlock = false
	}
	t.mu.Unlock()
}

// SetBranchOffline flips the online flag on every session owned by the
// branch. Branch id 0 is the unauthenticated sentinel and is ignored.
func (t *ContractTracker) SetBranchOffline(branchID int64) {
	t.setBranchOnline(branchID, false)
}

// SetBranchOnline restores the online flag when the branch reconnects, so
// still-tracked sessions return to normal pings.
func (t *ContractTracker) SetBranchOnline(branchID int64) {
	t.setBranchOnline(branchID, true)
}

func (t *ContractTracker) setBranchOnline(branchID int64, online bool) {
	if branchID == 0 {
		return
	}
	t.mu.Lock()
	for _, session := range t.sessions {
		if session.branchID == branchID {
			session.branchOnline = online
		}
	}
	t.mu.Unlock()
}

// Len reports the number of tracked sessions.
func (t *ContractTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot lists tracked sessions for the ops API.
func (t *ContractTracker) Snapshot() []ContractSessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ContractSessionInfo, 0, len(t.sessions))
	for id, session := range t.sessions {
		out = append(out, ContractSessionInfo{
			ContractID:   id,
			BranchID:     session.branchID,
			BranchOnline: session.branchOnline,
			UnlockArmed:  session.sendUnlock,
			TouchedAt:    session.touchedAt,
		})
	}
	return out
}

// ContractSessionInfo is the ops view of one tracked contract session.
type ContractSessionInfo struct {
	ContractID   int64     `json:"contractId"`
	BranchID     int64     `json:"branchId"`
	BranchOnline bool      `json:"branchOnline"`
	UnlockArmed  bool      `json:"unlockArmed"`
	TouchedAt    time.Time `json:"touchedAt"`
}

// Start runs the periodic sweep until the context is cancelled.
func (t *ContractTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep(t.now())
			}
		}
	}()
}

// Sweep evicts every session idle beyond the threshold. Eviction always
// removes the session; the compensating unlock request and the correlation
// purge fire only while the unlock flag is still set.
func (t *ContractTracker) Sweep(now time.Time) {
	type eviction struct {
		contractID int64
		branchID   int64
		unlock     bool
	}

	t.mu.Lock()
	var evicted []eviction
	for id, session := range t.sessions {
		if now.Sub(session.touchedAt) > t.idle {
			evicted = append(evicted, eviction{contractID: id, branchID: session.branchID, unlock: session.sendUnlock})
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	for _, ev := range evicted {
		if !ev.unlock {
			t.logger.Info("Contract session expired, unlock suppressed",
				slog.Int64("contract_id", ev.contractID))
			continue
		}
		body := wire.Record{
			"EventType":   "unblockIndenture",
			"indentureID": ev.contractID,
			"requestType": 6,
		}
		delivered := t.sender.Send(ev.branchID, body)
		if t.audit != nil {
			t.audit.Append(ev.contractID, 0, ev.branchID, auditTypeUnlock, body, true)
		}
		if t.queue != nil {
			t.queue.PurgeContract(ev.contractID)
		}
		t.logger.Info("Contract session expired, unlock requested",
			slog.Int64("contract_id", ev.contractID),
			slog.Int64("branch_id", ev.branchID),
			slog.Bool("delivered", delivered))
	}
}
