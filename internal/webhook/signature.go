package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyResult classifies the outcome of a signature check.
type VerifyResult int

const (
	// SignatureValid means the presented signature matches the payload.
	SignatureValid VerifyResult = iota
	// SignatureInvalid means the presented signature does not match.
	SignatureInvalid
	// SignatureSkipped means no shared secret is configured, so no check
	// was performed. Callers must treat this as a loud degraded mode, not
	// as a pass.
	SignatureSkipped
)

func (r VerifyResult) String() string {
	switch r {
	case SignatureValid:
		return "valid"
	case SignatureInvalid:
		return "invalid"
	case SignatureSkipped:
		return "skipped"
	}
	return "unknown"
}

// Verify computes an HMAC-SHA256 over the raw payload with the shared secret
// and compares it to the presented signature in constant time. The presented
// signature is hex, case insensitive.
func Verify(payload []byte, presented, secret string) VerifyResult {
	if secret == "" {
		return SignatureSkipped
	}
	if presented == "" {
		return SignatureInvalid
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(strings.TrimSpace(strings.ToLower(presented)))
	if err != nil {
		return SignatureInvalid
	}
	if !hmac.Equal(expected, got) {
		return SignatureInvalid
	}
	return SignatureValid
}

// Sign returns the hex HMAC-SHA256 of the payload. Used by tests and the
// sandbox gateway fake to produce signed webhooks.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
