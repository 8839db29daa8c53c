package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Signer produces and checks HMAC-SHA256 signatures.
type Signer struct {
	signingKey []byte
}

// NewSigner returns a Signer for the given key.
func NewSigner(signingKey []byte) (*Signer, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("signing key must not be empty")
	}
	return &Signer{signingKey: signingKey}, nil
}

// Sign returns the hex encoded HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	h := hmac.New(sha256.New, s.signingKey)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a hex encoded signature in constant time.
func (s *Signer) Verify(payload []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, s.signingKey)
	h.Write(payload)
	return hmac.Equal(got, h.Sum(nil))
}
