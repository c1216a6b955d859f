package x402

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces EIP-191 personal_sign signatures for an address.
type Signer interface {
	Address() common.Address
	SignMessage(message []byte) ([]byte, error)
}

// CanonicalAuthorization returns the bytes that are signed and verified
// for a.
//
// The form is compact JSON with keys in lexicographic order and every
// value a string. Addresses are EIP-55 checksummed and the nonce is
// lowercase 0x-prefixed hex, so two parties that disagree on letter case
// still sign identical bytes.
func CanonicalAuthorization(a PaymentAuthorization) ([]byte, error) {
	if !common.IsHexAddress(a.From) {
		return nil, malformed("from", fmt.Errorf("invalid address %q", a.From))
	}
	if !common.IsHexAddress(a.To) {
		return nil, malformed("to", fmt.Errorf("invalid address %q", a.To))
	}
	if !ValidNonce(a.Nonce) {
		return nil, malformed("nonce", fmt.Errorf("want 1 to %d hex digits, got %q", MaxNonceDigits, a.Nonce))
	}

	w := a.wire()
	// encoding/json writes map keys in sorted order.
	fields := map[string]string{
		"from":        common.HexToAddress(w.From).Hex(),
		"nonce":       NormalizeNonce(w.Nonce),
		"to":          common.HexToAddress(w.To).Hex(),
		"validAfter":  w.ValidAfter,
		"validBefore": w.ValidBefore,
		"value":       w.Value,
	}
	return json.Marshal(fields)
}

// CanonicalizeJSON re-encodes an authorization JSON object, whatever its
// key order or address casing, into canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var a PaymentAuthorization
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, malformed("authorization", err)
	}
	return CanonicalAuthorization(a)
}

// MaxNonceDigits is the longest nonce accepted, in hex digits (32 bytes).
const MaxNonceDigits = 64

// NormalizeNonce returns the one spelling of nonce that is signed, stored
// and locked on: lowercase hex with a 0x prefix. Every nonce that signs
// the same bytes normalizes to the same string.
func NormalizeNonce(nonce string) string {
	n := strings.ToLower(nonce)
	if !strings.HasPrefix(n, "0x") {
		n = "0x" + n
	}
	return n
}

// ValidNonce reports whether nonce is 1 to MaxNonceDigits hex digits,
// with or without a 0x prefix.
func ValidNonce(nonce string) bool {
	digits := strings.TrimPrefix(strings.ToLower(nonce), "0x")
	if digits == "" || len(digits) > MaxNonceDigits {
		return false
	}
	for _, c := range digits {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), message)
}

// SignAuthorization signs the canonical form of a and returns the
// 0x-prefixed 65-byte signature.
func SignAuthorization(s Signer, a PaymentAuthorization) (string, error) {
	msg, err := CanonicalAuthorization(a)
	if err != nil {
		return "", err
	}
	sig, err := s.SignMessage(msg)
	if err != nil {
		return "", fmt.Errorf("x402: sign authorization: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// RecoverAuthorizer returns the address that produced signatureHex over
// the canonical form of a. Recovery ids 0/1 and 27/28 are both accepted.
func RecoverAuthorizer(a PaymentAuthorization, signatureHex string) (common.Address, error) {
	msg, err := CanonicalAuthorization(a)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		// Tolerate a missing 0x prefix.
		sig, err = hexutil.Decode("0x" + signatureHex)
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
		}
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyAuthorization checks that signatureHex was produced by a.From.
func VerifyAuthorization(a PaymentAuthorization, signatureHex string) error {
	recovered, err := RecoverAuthorizer(a, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if recovered != common.HexToAddress(a.From) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", a.From, recovered.Hex())
	}
	return nil
}
