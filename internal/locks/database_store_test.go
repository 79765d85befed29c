package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeValue(t *testing.T) {
	acquired := time.Unix(1700000000, 0).UTC()
	refreshed := time.Unix(1700000090, 0).UTC()
	raw := EncodeValue("user:with:colons", acquired, refreshed)
	assert.Equal(t, "1700000090:1700000000:user:with:colons", raw)

	decoded, ok := decodeValue(raw)
	assert.True(t, ok)
	assert.Equal(t, "user:with:colons", decoded.holder)
	assert.True(t, decoded.acquired.Equal(acquired))
	assert.True(t, decoded.refreshed.Equal(refreshed))
}

func TestDecodeRejectsMalformedValues(t *testing.T) {
	for _, raw := range []string{"", "1700000000:user-a", "abc:1:user", "1:abc:user", "1:2:"} {
		_, ok := decodeValue(raw)
		assert.False(t, ok, "expected %q to be rejected", raw)
	}
}
