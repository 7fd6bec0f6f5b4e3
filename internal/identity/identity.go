// Package identity implements issuer signing identities for the document ledger.
//
// It provides:
//   - Address: a stable issuer/subject identity derived from an ed25519 public key
//   - Signer: an issuer key pair that signs ledger transactions
//   - TxClaims: the JWT (EdDSA) envelope of an issue or grant transaction
//   - VerifyTx: signature, network and address checks performed by the ledger
package identity
