// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcrypto

import (
	"crypto/hmac"
	"crypto/subtle"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	labelMAC1   = "mac1----"
	labelCookie = "cookie--"

	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(noiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(wgIdentifier))
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hs, _ := blake2s.New256(nil)
	hs.Write(h[:])
	hs.Write(data)
	hs.Sum(dst[:0])
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	hmac1(t0, key, input)
	hmac1(t0, t0[:], []byte{0x1})
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
	setZero(prk[:])
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, data, key []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, data)

	hmac1(t0, prk[:], []byte{1})

	var data2 [blake2s.Size + 1]byte
	copy(data2[:], t0[:])
	data2[blake2s.Size] = 2
	hmac1(t1, prk[:], data2[:])

	if t2 != nil {
		var data3 [blake2s.Size + 1]byte
		copy(data3[:], t1[:])
		data3[blake2s.Size] = 3
		hmac1(t2, prk[:], data3[:])
	}

	setZero(prk[:])
}

// mixPSK folds a preshared key into the chaining key and hash, per the
// Noise IKpsk2 pattern's "psk" token.
func mixPSK(chainKey, hash *[blake2s.Size]byte, key *[chacha20poly1305.KeySize]byte, psk NoisePresharedKey) {
	var tau [blake2s.Size]byte
	kdf3(chainKey, &tau, key, psk[:], chainKey[:])
	mixHash(hash, hash, tau[:])
	setZero(tau[:])
}

func hmac1(sum *[blake2s.Size]byte, key, in0 []byte) {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	mac.Write(in0)
	mac.Sum(sum[:0])
}

func hmac2(sum *[blake2s.Size]byte, key, in0, in1 []byte) {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	mac.Write(in0)
	mac.Write(in1)
	mac.Sum(sum[:0])
}

func calculateMAC1Key(pk NoisePublicKey) [32]byte {
	var key [32]byte
	h, _ := blake2s.New256(nil)
	h.Write([]byte(labelMAC1))
	h.Write(pk[:])
	h.Sum(key[:0])
	return key
}

func calculateCookieKey(pk NoisePublicKey) [32]byte {
	var key [32]byte
	h, _ := blake2s.New256(nil)
	h.Write([]byte(labelCookie))
	h.Write(pk[:])
	h.Sum(key[:0])
	return key
}

func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	acc := 1
	for _, v := range b {
		acc &= subtle.ConstantTimeByteEq(v, 0)
	}
	return acc == 1
}
