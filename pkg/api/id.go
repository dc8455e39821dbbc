package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	sandboxIDPrefix = "sbx_"
)

var sandboxIDPattern = regexp.MustCompile(`^sbx_[a-zA-Z0-9]{24}$`)

// NewSandboxID generates a sandbox ID with the "sbx_" prefix followed by
// 24 cryptographically random alphanumeric characters. IDs are globally
// unique for any realistic process lifetime and are never reused.
func NewSandboxID() string {
	return sandboxIDPrefix + randomAlphanumeric(idLength)
}

// ValidateSandboxID checks whether the given string is a valid sandbox ID.
func ValidateSandboxID(id string) bool {
	return sandboxIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
