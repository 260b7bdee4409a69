// Package liveness tracks two independent kinds of short-lived activity
// state: contract unlock sessions, whose eviction triggers a compensating
// remote unlock, and cabinet (web) sessions, which simply expire. Both run
// periodic sweeps against configurable idle thresholds.
package liveness

import (
	"branchsync/wire"
)

// Status is the result of an activity ping against a tracker.
type Status int

const (
	// StatusOK: the session exists and, when the ping carried activity,
	// its timestamp was refreshed.
	StatusOK Status = iota
	// StatusExpired: no such session — the sweep already evicted it or it
	// was never recorded. Callers redirect the user to log in again.
	StatusExpired
	// StatusBranchOffline: the session exists but its branch connection is
	// gone, so the session is unusable until the branch reconnects.
	StatusBranchOffline
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusExpired:
		return "expired"
	case StatusBranchOffline:
		return "branch-offline"
	default:
		return "unknown"
	}
}

// Sender delivers an outbound record to a branch connection. Implemented by
// the connection manager; reports false when the branch is offline.
type Sender interface {
	Send(branchID int64, rec wire.Record) bool
}

// Purger drops correlation entries tied to a contract. Implemented by the
// correlation queue.
type Purger interface {
	PurgeContract(contractID int64)
}

// AuditLog appends a protocol audit entry. Implementations must never block
// protocol progress.
type AuditLog interface {
	Append(contractID, contractCS, branchID int64, requestType string, body any, outbound bool)
}

// BranchOf derives the owning branch from a contract identifier. Contract
// numbers are allocated in per-branch blocks of one million.
func BranchOf(contractID int64) int64 {
	return contractID / 1_000_000
}
