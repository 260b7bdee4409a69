package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrIncomplete reports that the buffer ends mid-record. The caller keeps the
// buffer and retries once more bytes arrive; it is never a protocol error.
var ErrIncomplete = errors.New("wire: incomplete record")

// Codec frames and ciphers the byte stream exchanged with a branch. Decode
// extracts every complete record from buf using the branch's key and must
// return ErrIncomplete (not a failure) when only a partial record is buffered.
// The cipher algorithm itself lives outside this module.
type Codec interface {
	Decode(buf []byte, key string) ([]Record, error)
	Encode(rec Record, key string) ([]byte, error)
}

// PlainCodec implements the concatenated-JSON stream framing with no cipher
// layer. Production deployments wrap it with the branch cipher; tests and
// local development use it directly.
type PlainCodec struct{}

// Decode splits buf into complete JSON records. A syntactically broken prefix
// is a real error; a truncated tail yields ErrIncomplete so the caller waits
// for the rest of the record.
func (PlainCodec) Decode(buf []byte, _ string) ([]Record, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return nil, ErrIncomplete
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var records []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || isTruncated(trimmed, dec.InputOffset()) {
				return nil, ErrIncomplete
			}
			return nil, fmt.Errorf("wire: decode record: %w", err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrIncomplete
	}
	return records, nil
}

// Encode renders the record as compact JSON.
func (PlainCodec) Encode(rec Record, _ string) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("wire: encode record: %w", err)
	}
	return data, nil
}

// isTruncated reports whether the decode error happened at the tail of the
// buffer, i.e. the remainder is an unfinished record rather than garbage.
func isTruncated(buf []byte, offset int64) bool {
	if offset < 0 || offset > int64(len(buf)) {
		return false
	}
	rest := bytes.TrimSpace(buf[offset:])
	if len(rest) == 0 {
		return false
	}
	// A record can only start with an object brace; anything else is garbage.
	if rest[0] != '{' {
		return false
	}
	return !json.Valid(rest)
}
