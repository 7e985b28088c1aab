package sign

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// IdentifierPrefix precedes every public channel identifier. The rest
// of the identifier is the hex encoding of the compressed public key,
// so the counterparty's on-chain address can always be recovered from
// its identifier alone.
const IdentifierPrefix = "chan"

// PublicIdentifierFromKey derives the public channel identifier for an
// ECDSA public key. The derivation is deterministic: the same key
// always yields the same identifier.
func PublicIdentifierFromKey(pub *ecdsa.PublicKey) string {
	compressed := ethcrypto.CompressPubkey(pub)
	return IdentifierPrefix + hexutil.Encode(compressed)[2:]
}

// IsValidPublicIdentifier reports whether s has the shape of a public
// channel identifier. It does not verify the embedded key is on the curve.
func IsValidPublicIdentifier(s string) bool {
	if !strings.HasPrefix(s, IdentifierPrefix) {
		return false
	}
	// 33-byte compressed secp256k1 key, hex encoded.
	return len(s) == len(IdentifierPrefix)+66
}

// AddressFromPublicIdentifier recovers the Ethereum address embedded in
// a public channel identifier.
func AddressFromPublicIdentifier(identifier string) (Address, error) {
	if !strings.HasPrefix(identifier, IdentifierPrefix) {
		return nil, fmt.Errorf("invalid identifier prefix: %q", identifier)
	}
	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(identifier, IdentifierPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid identifier encoding: %w", err)
	}
	pub, err := ethcrypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier key: %w", err)
	}
	return EthereumAddress{ethcrypto.PubkeyToAddress(*pub)}, nil
}
