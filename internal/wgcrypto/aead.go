// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcrypto

import "golang.org/x/crypto/chacha20poly1305"

// AEAD is the sealed/opened interface transport keypairs are used
// through; a thin name for chacha20poly1305's cipher.AEAD so callers
// outside this package don't need to import the crypto library
// directly just to hold a reference.
type AEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewAEAD constructs the transport cipher for one direction of a
// session from a 32-byte key derived by CreateResponse/ConsumeResponse.
func NewAEAD(key [chacha20poly1305.KeySize]byte) (AEAD, error) {
	return chacha20poly1305.New(key[:])
}

// CounterNonce renders a 64-bit little-endian transport counter as the
// 12-byte nonce WireGuard's transport AEAD uses: 4 zero bytes then the
// counter, since the counter itself already guarantees uniqueness per
// key for the life of the session.
func CounterNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	nonce[4] = byte(counter)
	nonce[5] = byte(counter >> 8)
	nonce[6] = byte(counter >> 16)
	nonce[7] = byte(counter >> 24)
	nonce[8] = byte(counter >> 32)
	nonce[9] = byte(counter >> 40)
	nonce[10] = byte(counter >> 48)
	nonce[11] = byte(counter >> 56)
	return nonce
}
