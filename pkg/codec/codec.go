// Package codec converts text to and from the base64 form used inside composite
// API tokens.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Encode returns the standard base64 encoding of s, with padding.
func Encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// Decode reverses Encode. Trailing '=' padding is optional.
func Decode(s string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	return string(raw), nil
}
