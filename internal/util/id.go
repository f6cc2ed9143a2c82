package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// sharingAlphabet skips characters that are easy to misread when a code is typed from a screenshot.
const sharingAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// NewSharingCode returns a short lowercase token used in deep links (/?src=<code>).
func NewSharingCode() string {
	bytes := make([]byte, 10)
	_, _ = rand.Read(bytes)
	var b strings.Builder
	b.Grow(len(bytes))
	for _, v := range bytes {
		b.WriteByte(sharingAlphabet[int(v)%len(sharingAlphabet)])
	}
	return b.String()
}
