package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// DeriveToken returns a deterministic secret token for subject, keyed by
// secret. Re-deriving after a crash yields the same token.
func DeriveToken(secret, subject string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashToken hashes a token using bcrypt. cost <= 0 uses bcrypt.DefaultCost.
func HashToken(token string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	return string(bytes), err
}

// CheckToken compares a plain token with its bcrypt hash.
func CheckToken(plain, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}
