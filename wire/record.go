package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one decoded protocol event. Branch clients send free-form JSON
// objects, so the shape is kept dynamic and typed accessors normalize the
// fields the server actually routes on.
type Record map[string]any

// Field names shared between the server and branch clients.
const (
	FieldEventID    = "EventID"
	FieldEventType  = "EventType"
	FieldErrorCode  = "ErrorCode"
	FieldBranchID   = "ID"
	FieldPassword   = "Password"
	FieldKey        = "Key"
	FieldContractID = "indentureID"
	FieldContractCS = "indentureCS"
)

// EventID returns the record's event identifier, or "" when absent.
func (r Record) EventID() string {
	return r.stringField(FieldEventID)
}

// BranchID returns the numeric branch identifier carried by authentication
// records. ok is false when the field is missing or not numeric.
func (r Record) BranchID() (int64, bool) {
	return Int64(r[FieldBranchID])
}

// ContractID returns the contract identifier, or 0 when absent.
func (r Record) ContractID() int64 {
	id, _ := Int64(r[FieldContractID])
	return id
}

// ErrorCode reports the record's error indicator. Zero and empty values count
// as "no error", matching the truthiness check branch clients rely on.
func (r Record) ErrorCode() (string, bool) {
	v, ok := r[FieldErrorCode]
	if !ok || v == nil {
		return "", false
	}
	switch code := v.(type) {
	case string:
		trimmed := strings.TrimSpace(code)
		if trimmed == "" || trimmed == "0" {
			return "", false
		}
		return trimmed, true
	default:
		n, ok := Int64(v)
		if !ok || n == 0 {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	}
}

func (r Record) stringField(name string) string {
	v, ok := r[name]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprintf("%v", s)
	}
}

// String returns the named field rendered as text, "" when absent.
func (r Record) String(name string) string {
	return r.stringField(name)
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Int64 coerces the mixed identifier representations seen on the wire
// (float64 from encoding/json, json.Number, decimal strings) into a single
// canonical int64. All key spaces in the server use this normalization.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		i := int64(n)
		if float64(i) != n {
			return 0, false
		}
		return i, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		i, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
