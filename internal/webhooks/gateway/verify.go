package gatewaywebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Verifier checks the gateway's delivery signature. Verification is
// mandatory; construction fails rather than falling back to trusting the
// network path.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a signature verifier.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify reports whether signature matches the HMAC-SHA256 of body. The
// comparison is constant time.
func (v *Verifier) Verify(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the signature for a payload. Used by tests and local tooling.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
