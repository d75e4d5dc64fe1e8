package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHexString(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"deadbeef", true},
		{"DeAdBeEf", true},
		{"0123456789", true},
		{"0123abcg", false},
		{"ab cd", false},
		{"abcd\n", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsHexString(tt.in), "%q", tt.in)
	}
}

func TestDecodeHexKey(t *testing.T) {
	key := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	b, ok := DecodeHexKey(key, 32)
	assert.True(t, ok)
	assert.Len(t, b, 32)

	_, ok = DecodeHexKey(key[:62], 32)
	assert.False(t, ok, "too short")
	_, ok = DecodeHexKey(key+"0", 32)
	assert.False(t, ok, "odd length")
	_, ok = DecodeHexKey("my-signing-key-at-least-32-chars-long-ok!", 16)
	assert.False(t, ok, "not hex")
}
