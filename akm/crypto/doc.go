// Package crypto provides the cryptographic primitives used to seal AKM frames.
//
// A Provider bundles a fixed-length content hash with a symmetric cipher whose
// ciphertext carries its own random IV or nonce:
//   - CBC: AES-256-CBC with PKCS#7 padding and a SHA-256 content hash (default)
//   - AEAD: ChaCha20-Poly1305 (RFC 8439) with a SHA-256 content hash
//   - Key derivation via HKDF-SHA256
package crypto
