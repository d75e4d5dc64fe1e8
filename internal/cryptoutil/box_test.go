package cryptoutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKey(t *testing.T) {
	raw, err := ResolveKey("12345678901234567890123456789012")
	require.NoError(t, err)
	assert.Equal(t, byte('1'), raw[0])

	hexKey, err := ResolveKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), hexKey[31])

	_, err = ResolveKey("too-short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealOpen(t *testing.T) {
	key, err := ResolveKey("12345678901234567890123456789012")
	require.NoError(t, err)

	box, err := Seal(key, []byte(`{"id":"cp_1"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(box), "cp_1")

	plain, err := Open(key, box)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"cp_1"}`, string(plain))

	box[len(box)-1] ^= 0xff
	_, err = Open(key, box)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = Open(key, []byte("short"))
	assert.ErrorIs(t, err, ErrOpen)

	other, err := ResolveKey(strings.Repeat("cd", 32))
	require.NoError(t, err)
	box, err = Seal(key, []byte("x"))
	require.NoError(t, err)
	_, err = Open(other, box)
	assert.ErrorIs(t, err, ErrOpen)
}
