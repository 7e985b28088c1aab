// Package sign provides blockchain-agnostic cryptographic signing
// interfaces for the channel protocol.
//
// The primary interfaces are:
//
//   - Signer: signing operations plus the signer's public channel identifier
//   - PublicKey: public key operations
//   - Address: blockchain addresses
//   - AddressRecoverer: signature-based address recovery
//
// A Signer never exposes private key material. Every signer also
// carries a public channel identifier, a stable string derived from
// the compressed public key that the messaging layer uses as a routing
// address (see PublicIdentifierFromKey).
//
// Usage
//
//	signer, err := sign.NewEthereumSigner(privateKeyHex)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	hash := ethcrypto.Keccak256Hash([]byte("hello world"))
//	signature, err := signer.Sign(hash.Bytes())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Address:", signer.PublicKey().Address().String())
//	fmt.Println("Identifier:", signer.PublicIdentifier())
package sign
