package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"branchsync/wire"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultAwaitTimeout = 30 * time.Second

	// TimeoutCode is surfaced to calling layers when the branch never
	// answers inside the configured window.
	TimeoutCode = "4504"
)

// ErrTimeout reports that no answer arrived inside the await window.
var ErrTimeout = errors.New("correlate: answer timed out (" + TimeoutCode + ")")

// BranchError carries a branch-reported failure answer.
type BranchError struct {
	Code   string
	Record wire.Record
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("correlate: branch answered with error %s", e.Code)
}

// AwaitConfig bounds a single wait for a branch answer.
type AwaitConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (c AwaitConfig) withDefaults() AwaitConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultAwaitTimeout
	}
	return c
}

// Await polls the queue until the event is answered or the window elapses.
// It completes with the answer when the record carries no error indicator,
// with *BranchError when it does, and with ErrTimeout when nothing arrived in
// time. This is the only blocking operation the queue exposes.
func (q *Queue) Await(ctx context.Context, eventID string, cfg AwaitConfig) (wire.Record, error) {
	cfg = cfg.withDefaults()

	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return wire.Record{}, ctx.Err()
		case <-deadline.C:
			return wire.Record{}, ErrTimeout
		case <-ticker.C:
			rec, ok := q.Peek(eventID)
			if !ok {
				continue
			}
			if code, failed := rec.ErrorCode(); failed {
				return rec, &BranchError{Code: code, Record: rec}
			}
			return rec, nil
		}
	}
}
