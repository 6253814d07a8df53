package wallet

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// personalMessagePrefix is the EIP-191 prefix for personal_sign messages.
const personalMessagePrefix = "\x19Ethereum Signed Message:\n"

// MockSignaturePrefix marks development-mode signatures; they are only
// accepted when the caller explicitly allows them.
const MockSignaturePrefix = "mock:"

// keccak256 hashes data with the legacy Keccak-256 used by Ethereum.
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// hashPersonalMessage applies the EIP-191 prefix and hashes the result.
func hashPersonalMessage(message string) []byte {
	prefixed := personalMessagePrefix + strconv.Itoa(len(message)) + message
	return keccak256([]byte(prefixed))
}

// RecoverAddress recovers the signing wallet address from an EIP-191
// personal-message signature. The signature is hex (optionally 0x-prefixed)
// in the Ethereum r‖s‖v layout.
func RecoverAddress(message, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: signature is not hex: %v", types.ErrUnauthorized, err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("%w: signature must be 65 bytes, got %d", types.ErrUnauthorized, len(sig))
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", fmt.Errorf("%w: invalid recovery id %d", types.ErrUnauthorized, sig[64])
	}

	// RecoverCompact wants the recovery header first: 27 + recid, +4 for a
	// compressed-key signature. Ethereum keys are uncompressed.
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hashPersonalMessage(message))
	if err != nil {
		return "", fmt.Errorf("%w: signature recovery failed: %v", types.ErrUnauthorized, err)
	}

	uncompressed := pub.SerializeUncompressed()
	addr := keccak256(uncompressed[1:])[12:]
	return "0x" + hex.EncodeToString(addr), nil
}

// Verify checks that signatureHex is a valid EIP-191 signature over message
// by expectedAddress. Address comparison is constant-time and
// case-insensitive.
func Verify(message, signatureHex, expectedAddress string) error {
	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if !AddressesEqual(recovered, expectedAddress) {
		return fmt.Errorf("%w: signature by %s, expected %s", types.ErrUnauthorized, recovered, expectedAddress)
	}
	return nil
}

// AddressesEqual compares two wallet addresses case-insensitively in
// constant time.
func AddressesEqual(a, b string) bool {
	an := strings.ToLower(strings.TrimPrefix(a, "0x"))
	bn := strings.ToLower(strings.TrimPrefix(b, "0x"))
	if len(an) != len(bn) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(an), []byte(bn)) == 1
}

// IsMockSignature reports whether the signature is a development-mode mock.
func IsMockSignature(sig string) bool {
	return strings.HasPrefix(sig, MockSignaturePrefix)
}
