// Package webhook authenticates and decodes GitHub-style push webhooks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"

	signaturePrefix = "sha256="
)

// ErrSignature is returned for a missing, malformed or mismatching signature.
var ErrSignature = errors.New("webhook signature invalid")

// Sign returns the signature header value for body: "sha256=<hex hmac>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Check verifies header against the HMAC-SHA256 of the raw body. The body
// must be the bytes as received; re-encoding a decoded payload changes the
// digest.
func Check(body []byte, header, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is empty", ErrSignature)
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: signature header is missing", ErrSignature)
	}
	hexSig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return fmt.Errorf("%w: expected %q prefix", ErrSignature, signaturePrefix)
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil || len(got) != sha256.Size {
		return fmt.Errorf("%w: malformed hex digest", ErrSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return fmt.Errorf("%w: mismatch", ErrSignature)
	}
	return nil
}

// Verify reports whether header is a valid signature of body. It never panics.
func Verify(body []byte, header, secret string) bool {
	return Check(body, header, secret) == nil
}
