// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package wgcrypto implements the Noise_IKpsk2 handshake, MAC1/cookie
// mechanism and transport AEAD that make up the WireGuard wire
// protocol. Unlike a monolithic implementation, nothing here owns a
// peer table or a socket: every operation is a pure function of the
// key material and message bytes handed to it, so that the enclave
// process (the only thing in this runtime allowed to touch a private
// key) can drive the state machine one message at a time from its own
// single-threaded loop.
package wgcrypto

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

// NoisePrivateKey is a clamped Curve25519 scalar.
type NoisePrivateKey [NoisePrivateKeySize]byte

// NoisePublicKey is a Curve25519 point.
type NoisePublicKey [NoisePublicKeySize]byte

// NoisePresharedKey is an out-of-band symmetric key mixed into every
// handshake with a given peer.
type NoisePresharedKey [NoisePresharedKeySize]byte

// Zero overwrites the key in place. Best-effort: Go gives no guarantee
// against the compiler eliding a dead store or the runtime having
// already copied the bytes elsewhere (a GC move, a register spill),
// but it is what the ecosystem does and costs nothing.
func (sk *NoisePrivateKey) Zero() {
	for i := range sk {
		sk[i] = 0
	}
}

// Zero overwrites the key in place.
func (psk *NoisePresharedKey) Zero() {
	for i := range psk {
		psk[i] = 0
	}
}

// IsZero reports whether the key is all-zero, the sentinel for "no
// preshared key configured".
func (psk NoisePresharedKey) IsZero() bool {
	var acc byte
	for _, b := range psk {
		acc |= b
	}
	return acc == 0
}

func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the public key for this private key.
func (sk NoisePrivateKey) PublicKey() NoisePublicKey {
	var pk NoisePublicKey
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		// Basepoint multiplication only fails for a low-order scalar,
		// which clamping already rules out for any key this package hands
		// out; a key that gets here some other way is a caller bug.
		panic("wgcrypto: X25519 with basepoint failed: " + err.Error())
	}
	copy(pk[:], out)
	return pk
}

// GeneratePrivateKey generates and clamps a new random Curve25519
// private key.
func GeneratePrivateKey() (NoisePrivateKey, error) {
	var key NoisePrivateKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	key.clamp()
	return key, nil
}

func dh(priv NoisePrivateKey, pub NoisePublicKey) ([32]byte, error) {
	var out [32]byte
	res, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}
