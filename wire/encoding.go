package wire

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DecodeCP1251 transcodes a chunk from the branches' native windows-1251
// encoding into UTF-8. Branch terminals predate the server and cannot be
// upgraded to send UTF-8 themselves.
func DecodeCP1251(b []byte) ([]byte, error) {
	out, err := charmap.Windows1251.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("wire: transcode cp1251: %w", err)
	}
	return out, nil
}

// EncodeCP1251 transcodes UTF-8 bytes back to windows-1251 for outbound
// delivery. Characters without a cp1251 mapping are replaced, not rejected.
func EncodeCP1251(b []byte) ([]byte, error) {
	enc := encoding.ReplaceUnsupported(charmap.Windows1251.NewEncoder())
	out, err := enc.Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("wire: transcode to cp1251: %w", err)
	}
	return out, nil
}
