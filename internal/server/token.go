package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateAuthToken returns a random bearer token for one server instance's
// lifetime, written alongside the lock file so only a caller who can read
// that file can reach the API.
func GenerateAuthToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
