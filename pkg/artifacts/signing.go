package artifacts

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/regen-network/koi/pkg/crypto"
)

var ErrSignerNotConfigured = errors.New("artifacts: signer not configured (fail-closed)")

// SignBytes signs arbitrary artifact bytes (e.g. a serialized CAT) and
// returns a hex-encoded signature plus the signer's public key ID.
func SignBytes(data []byte, signer crypto.Signer) (signature, keyID string, err error) {
	if signer == nil {
		return "", "", ErrSignerNotConfigured
	}
	if len(data) == 0 {
		return "", "", errors.New("artifacts: missing payload")
	}

	sig, err := signer.Sign(data)
	if err != nil {
		return "", "", fmt.Errorf("artifacts: sign failed: %w", err)
	}
	return sig, signer.PublicKey(), nil
}

// VerifyBytes verifies a hex-encoded signature against data using the
// given verifier. Fails closed when verifier is nil.
func VerifyBytes(data []byte, signatureHex string, verifier crypto.Verifier) (bool, error) {
	if verifier == nil {
		return false, errors.New("artifacts: verifier not configured (fail-closed)")
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("artifacts: signature decode failed: %w", err)
	}
	return verifier.Verify(data, sigBytes), nil
}
