package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// keyAlphabet excludes ambiguous characters (0/O, 1/I/L) so keys survive
// being read over the phone or retyped from a screenshot.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	keyGroups    = 4
	keyGroupSize = 5
)

// generateKey produces a bearer key like RHB-X7K2M-P9Q4R-T6W8Z-A3B5C from
// crypto/rand. The prefix identifies the issuing deployment.
func generateKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = "RHB"
	}

	buf := make([]byte, keyGroups*keyGroupSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(prefix)
	for i, b := range buf {
		if i%keyGroupSize == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(keyAlphabet[int(b)%len(keyAlphabet)])
	}

	return sb.String(), nil
}
