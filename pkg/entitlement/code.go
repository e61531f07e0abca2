package entitlement

import (
	"crypto/rand"
	"fmt"
)

const (
	squadCodePrefix  = "SQ-"
	squadCodeLength  = 6
	squadCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateSquadCode returns a human-shareable join code of the form
// SQ-XXXXXX. Uniqueness is enforced by the store; callers retry with a fresh
// code on ErrSquadCodeTaken.
func GenerateSquadCode() (string, error) {
	buf := make([]byte, squadCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate squad code: %w", err)
	}
	for i, b := range buf {
		buf[i] = squadCodeCharset[int(b)%len(squadCodeCharset)]
	}
	return squadCodePrefix + string(buf), nil
}
