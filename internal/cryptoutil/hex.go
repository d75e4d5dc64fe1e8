package cryptoutil

import (
	"encoding/hex"
	"strings"
)

// IsHexString reports whether s is non-empty and made only of hex digits.
func IsHexString(s string) bool {
	return s != "" && strings.IndexFunc(s, notHex) < 0
}

func notHex(r rune) bool {
	return !('0' <= r && r <= '9' || 'a' <= r && r <= 'f' || 'A' <= r && r <= 'F')
}

// DecodeHexKey decodes s when it is hex encoding at least minBytes bytes.
// Raw keys that merely look like hex of the wrong length are left to the
// caller.
func DecodeHexKey(s string, minBytes int) ([]byte, bool) {
	if len(s) < 2*minBytes || len(s)%2 != 0 || !IsHexString(s) {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
