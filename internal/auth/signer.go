package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrEmptySecret indicates signing was attempted without a node secret.
	ErrEmptySecret = errors.New("auth: node secret is required")
	// ErrBadSignature indicates the envelope signature does not match.
	ErrBadSignature = errors.New("auth: signature mismatch")
)

// SignPayload computes the hex HMAC-SHA256 of the canonical message bytes
// under the node secret.
func SignPayload(secret string, payload []byte) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyPayload checks an envelope signature in constant time.
func VerifyPayload(secret string, payload []byte, signature string) error {
	expected, err := SignPayload(secret, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
