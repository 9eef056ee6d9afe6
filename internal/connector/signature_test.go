// ABOUTME: Tests for webhook signature signing and verification
// ABOUTME: Round-trip, tamper, missing header, and empty-secret cases

package connector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignature_RoundTrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	h := http.Header{}
	h.Set(SignatureHeader, SignBody("secret", body))

	assert.NoError(t, VerifySignature("secret", h, body))
}

func TestSignature_TamperedBody(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	h := http.Header{}
	h.Set(SignatureHeader, SignBody("secret", body))

	err := VerifySignature("secret", h, []byte(`{"hello":"worlb"}`))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSignature_WrongSecret(t *testing.T) {
	body := []byte(`payload`)
	h := http.Header{}
	h.Set(SignatureHeader, SignBody("other", body))

	err := VerifySignature("secret", h, body)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSignature_MissingOrMalformedHeader(t *testing.T) {
	body := []byte(`payload`)

	err := VerifySignature("secret", http.Header{}, body)
	require.ErrorIs(t, err, ErrBadSignature)

	h := http.Header{}
	h.Set(SignatureHeader, "md5=abcdef")
	err = VerifySignature("secret", h, body)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSignature_EmptySecretSkipsVerification(t *testing.T) {
	assert.NoError(t, VerifySignature("", http.Header{}, []byte(`anything`)))
}
