package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const signatureValidity = 30 * 24 * time.Hour

// Signer signs receipt payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign computes the hex HMAC-SHA256 of the JSON encoding of payload.
func (s *Signer) Sign(payload any) (string, error) {
	if s == nil {
		return "", ErrSigningDisabled
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return s.mac(data), nil
}

// Verify checks a signature produced by Sign.
func (s *Signer) Verify(payload any, signature string) bool {
	if s == nil {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(s.mac(data)), []byte(signature))
}

func (s *Signer) mac(data []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}
