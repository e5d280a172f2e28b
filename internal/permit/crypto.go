package permit

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// domainTag separates execguard permit signatures from any other message a
// key might sign. Combined with the chain ID it forms the signing domain.
const domainTag = "ExecGuard"

// CanonicalMessage builds the message that must be signed for a permit.
// Format: "ExecGuard|{chainID}|{executor}|{assetIn}|{assetOut}|{amountIn}|{minAmountOut}|{deadline}|{nonce}|{strategy}"
func CanonicalMessage(chainID int64, p *ExecutionPermit) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%d|%d|%s",
		domainTag,
		chainID,
		strings.ToLower(p.Executor),
		strings.ToLower(p.AssetIn),
		strings.ToLower(p.AssetOut),
		p.AmountIn,
		p.MinAmountOut,
		p.Deadline,
		p.Nonce,
		p.Strategy,
	)
}

// Hash returns the permit's hex-encoded keccak256 hash over its canonical
// message. This is the key recorded in the spent-permit set.
func Hash(chainID int64, p *ExecutionPermit) string {
	return hex.EncodeToString(crypto.Keccak256([]byte(CanonicalMessage(chainID, p))))
}

// hashForSigning creates an Ethereum signed message hash for the canonical
// message, prefixed per EIP-191 ("\x19Ethereum Signed Message:\n{len}").
func hashForSigning(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverSigner recovers the signing address from the canonical message and
// a hex-encoded 65-byte signature (r[32] + s[32] + v[1]).
func RecoverSigner(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures carry v = 27 or 28, Ecrecover expects 0 or 1
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(hashForSigning(message), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}
