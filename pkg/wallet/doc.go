/*
Package wallet verifies Ethereum-style wallet signatures.

Node registration and heartbeats are authenticated with EIP-191
personal-message signatures: the canonical message is prefixed, hashed with
legacy Keccak-256 and the signer's address recovered from the 65-byte r‖s‖v
signature. Development deployments may accept mock signatures; that decision
belongs to the caller.
*/
package wallet
