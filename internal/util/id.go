package util

import (
	"crypto/rand"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomCode(length int) string {
	bytes := make([]byte, length)
	_, _ = rand.Read(bytes)
	out := make([]byte, length)
	for i, b := range bytes {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out)
}

// NewWriterID returns a reader-facing writer identifier, e.g. USR-4K9ZQ2.
func NewWriterID() string {
	return "USR-" + randomCode(6)
}

// NewInviteCode returns a short shareable session code, e.g. EVO-7QX.
func NewInviteCode() string {
	return "EVO-" + randomCode(3)
}
