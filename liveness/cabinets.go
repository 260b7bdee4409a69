package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCabinetIdle = 10 * time.Minute

type cabinetSession struct {
	touchedAt time.Time
	payload   any
}

// CabinetTracker tracks authenticated web-cabinet sessions. It is independent
// of branch connectivity: eviction only drops the session, no network action.
type CabinetTracker struct {
	mu       sync.Mutex
	sessions map[int64]*cabinetSession

	idle       time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// CabinetTrackerConfig bounds cabinet session lifetime.
type CabinetTrackerConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func NewCabinetTracker(cfg CabinetTrackerConfig, logger *slog.Logger) *CabinetTracker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultCabinetIdle
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CabinetTracker{
		sessions:   make(map[int64]*cabinetSession),
		idle:       cfg.IdleTimeout,
		sweepEvery: cfg.SweepInterval,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "cabinet_tracker")),
	}
}

// SetClock overrides the tracker clock. Tests only.
func (t *CabinetTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Record stores the client's session payload at login, replacing any prior
// session for the same client.
func (t *CabinetTracker) Record(clientID int64, payload any) {
	t.mu.Lock()
	t.sessions[clientID] = &cabinetSession{touchedAt: t.now(), payload: payload}
	t.mu.Unlock()
}

// Ping mirrors the contract tracker's ok/expired behavior; cabinets have no
// offline concept.
func (t *CabinetTracker) Ping(clientID int64, active bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[clientID]
	if !ok {
		return StatusExpired
	}
	if active {
		session.touchedAt = t.now()
	}
	return StatusOK
}

// Lookup returns the stored session payload; ok is false when no live
// session exists for the client.
func (t *CabinetTracker) Lookup(clientID int64) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[clientID]
	if !ok {
		return nil, false
	}
	return session.payload, true
}

// Delete removes the session immediately (explicit logout).
func (t *CabinetTracker) Delete(clientID int64) {
	t.mu.Lock()
	delete(t.sessions, clientID)
	t.mu.Unlock()
}

// Len reports the number of live sessions.
func (t *CabinetTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot lists live sessions for the ops API. Payloads are withheld: they
// carry end-user data.
func (t *CabinetTracker) Snapshot() []CabinetSessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CabinetSessionInfo, 0, len(t.sessions))
	for id, session := range t.sessions {
		out = append(out, CabinetSessionInfo{ClientID: id, TouchedAt: session.touchedAt})
	}
	return out
}

// CabinetSessionInfo is the ops view of one live cabinet session.
type CabinetSessionInfo struct {
	ClientID  int64     `json:"clientId"`
	TouchedAt time.Time `json:"touchedAt"`
}

// Start runs the periodic sweep until the context is cancelled.
func (t *CabinetTracker) Start(ctx context.Context) {
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

// Sweep drops every session idle beyond the threshold.
func (t *CabinetTracker) Sweep(now time.Time) {
	t.mu.Lock()
	var evicted []int64
	for id, session := range t.sessions {
		if now.Sub(session.touchedAt) > t.idle {
			delete(t.sessions, id)
			evicted = append(evicted, id)
		}
	}
	t.mu.Unlock()

	for _, id := range evicted {
		t.logger.Info("Cabinet session expired", slog.Int64("client_id", id))
	}
}
