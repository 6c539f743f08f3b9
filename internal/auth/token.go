package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CheckToken compares a presented manual-restart token against the configured
// plain token (constant time) or bcrypt hash. The hash wins when both are set.
// An empty presented token or an empty configuration never matches.
func CheckToken(given, plain, hash string) bool {
	if given == "" {
		return false
	}
	if hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(given)) == nil
	}
	if plain == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(plain)) == 1
}

// HashToken produces a bcrypt hash suitable for deploy.manual_token_hash.
func HashToken(token string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(token)), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
