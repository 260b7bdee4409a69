package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskField(t *testing.T) {
	attr := MaskField("remote_address", "10.0.0.5:4040")
	assert.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("reason", "write failed")
	assert.Equal(t, "write failed", attr.Value.String(), "allowlisted keys pass through")

	attr = MaskField("remote_address", "")
	assert.Equal(t, "", attr.Value.String(), "empty values stay empty")
}

func TestRedactionAllowlistSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
	assert.True(t, IsAllowlisted("Reason"), "allowlist check is case-insensitive")
	assert.False(t, IsAllowlisted("password"))
}
