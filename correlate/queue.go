// Package correlate matches asynchronous branch answers to the requests that
// triggered them. Callers register interest under an event identifier, the
// connection manager resolves inbound answers into the queue, and Await polls
// until the answer lands or the configured window elapses.
package correlate

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"branchsync/wire"
)

// EventPrefixData marks answers to contract-data requests; the connection
// manager routes every inbound record whose EventID carries it into the queue.
const EventPrefixData = "dataFromFiliation"

// Queue is a keyed store of pending and answered correlation entries. An
// empty record means "registered, not yet answered".
type Queue struct {
	mu      sync.RWMutex
	entries map[string]wire.Record

	now func() time.Time
}

// New returns an empty correlation queue.
func New() *Queue {
	return &Queue{
		entries: make(map[string]wire.Record),
		now:     time.Now,
	}
}

// SetClock overrides the receive-time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Register creates a pending entry under the event identifier, discarding any
// stale prior entry for the same id.
func (q *Queue) Register(eventID string) {
	if eventID == "" {
		return
	}
	q.mu.Lock()
	q.entries[eventID] = wire.Record{}
	q.mu.Unlock()
}

// Purge drops the entry unconditionally.
func (q *Queue) Purge(eventID string) {
	q.mu.Lock()
	delete(q.entries, eventID)
	q.mu.Unlock()
}

// PurgeContract drops every entry whose answer belongs to the contract. Called
// when the contract's unlock session is evicted and its data is no longer
// trustworthy.
func (q *Queue) PurgeContract(contractID int64) {
	if contractID == 0 {
		return
	}
	q.mu.Lock()
	for id, rec := range q.entries {
		if rec.ContractID() == contractID {
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()
}

// Resolve stores an inbound branch answer under its event identifier,
// stamping it with the server-observed receive time and normalizing the
// date-valued fields to the canonical day-first form. A prior entry under the
// same id is overwritten.
func (q *Queue) Resolve(rec wire.Record) {
	eventID := rec.EventID()
	if eventID == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stored := rec.Clone()
	stored["DateNow"] = q.now().Format(wire.DateTimeLayout)
	normalizeDateField(stored, "DateVykup")
	normalizeDateField(stored, "DateZalog")
	if periods, ok := stored["PeriodProlong"].([]any); ok {
		for _, p := range periods {
			if period, ok := p.(map[string]any); ok {
				normalizeDateField(period, "DateToProlong")
			}
		}
	}
	q.entries[eventID] = stored
}

// Peek returns the answer stored under the event identifier. ok is false
// while the entry is still pending or was never registered.
func (q *Queue) Peek(eventID string) (wire.Record, bool) {
	q.mu.RLock()
	rec := q.entries[eventID]
	q.mu.RUnlock()
	if len(rec) == 0 {
		return wire.Record{}, false
	}
	return rec, true
}

// Len reports the number of live entries, answered or pending.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

func normalizeDateField(m map[string]any, field string) {
	if s, ok := m[field].(string); ok && s != "" {
		m[field] = wire.NormalizeDate(s)
	}
}

// NewEventID builds a fresh event identifier for an outbound request. The
// contract id is embedded so eviction can purge the entry by contract; the
// uuid suffix keeps retried requests from colliding.
func NewEventID(prefix string, contractID int64) string {
	return prefix + strconv.FormatInt(contractID, 10) + "-" + uuid.NewString()
}
