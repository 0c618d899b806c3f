package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// SignResource returns the base64url HMAC-SHA256 of parts joined with ':'.
func SignResource(secret string, parts ...string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	payload := strings.Join(parts, ":")
	mac.Write([]byte(payload))
	sum := mac.Sum(nil)
	return []byte(base64.RawURLEncoding.EncodeToString(sum))
}

// NewDeleteToken returns a random token handed once to an anonymous uploader.
func NewDeleteToken() string {
	return uuid.NewString()
}

func HashDeleteToken(secret, imageID, token string) []byte {
	return SignResource(secret, "delete", imageID, token)
}

// VerifyDeleteToken compares in constant time.
func VerifyDeleteToken(secret, imageID, token string, hash []byte) bool {
	if token == "" || len(hash) == 0 {
		return false
	}
	return hmac.Equal(HashDeleteToken(secret, imageID, token), hash)
}
