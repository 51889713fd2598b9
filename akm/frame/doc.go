// Package frame implements the AKM frame layout and its encryption envelope.
//
// A decrypted frame is laid out by a Schema:
//
//	[relationship id][source][target][event][content][content hash]
//
// The hash covers every byte before it, relationship id included. On the wire
// only the relationship id stays in the clear:
//
//	2 bytes: relationship id (big endian)
//	8 bytes: payload length (big endian)
//	N bytes: payload (IV || ciphertext of everything after the relationship id)
package frame
