// ABOUTME: Webhook payload signing and verification
// ABOUTME: HMAC-SHA256 over the raw body, sha256= prefixed header, constant-time compare

package connector

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeader carries the webhook payload signature.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// SignBody computes the signature header value for body under secret.
// Exported so the platform simulator signs exactly the way we verify.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the sha256= signature header against body. An
// empty secret disables verification (dev mode only; provisioned channels
// always carry one).
func VerifySignature(secret string, header http.Header, body []byte) error {
	if secret == "" {
		return nil
	}
	got := header.Get(SignatureHeader)
	if !strings.HasPrefix(got, signaturePrefix) {
		return ErrBadSignature
	}
	want := SignBody(secret, body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}
