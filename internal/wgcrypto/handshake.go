// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcrypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/tkuijsten/wiresep/internal/wire"
)

// HandshakeState tracks where a single in-progress handshake is in the
// Noise_IKpsk2 pattern. It is not concurrency-safe; callers (the
// enclave's single loop goroutine) own it exclusively.
type HandshakeState int

const (
	StateZeroed HandshakeState = iota
	StateInitiationCreated
	StateInitiationConsumed
	StateResponseCreated
	StateResponseConsumed
)

// Handshake is the mutable Noise state for one handshake attempt. The
// enclave keeps one of these per pending local index; it never
// outlives the attempt that created it, and Zero should be called the
// moment it's discarded, successfully or not.
type Handshake struct {
	State                   HandshakeState
	Hash                    [blake2s.Size]byte
	ChainKey                [blake2s.Size]byte
	LocalEphemeral          NoisePrivateKey
	LocalIndex              uint32
	RemoteIndex             uint32
	RemoteStatic            NoisePublicKey
	RemoteEphemeral         NoisePublicKey
	PrecomputedStaticStatic [32]byte
	LastTimestamp           tai64n.Timestamp
	Created                 time.Time
}

// Zero destroys the ephemeral secrets held by this handshake attempt.
func (hs *Handshake) Zero() {
	hs.LocalEphemeral.Zero()
	setZero(hs.PrecomputedStaticStatic[:])
	setZero(hs.ChainKey[:])
}

var (
	ErrDecryptStatic    = errors.New("wgcrypto: failed to decrypt initiator static key")
	ErrDecryptTimestamp = errors.New("wgcrypto: failed to decrypt timestamp")
	ErrStaleTimestamp   = errors.New("wgcrypto: timestamp did not advance, possible replay")
	ErrDecryptEmpty     = errors.New("wgcrypto: failed to authenticate response")
	ErrMismatchedState  = errors.New("wgcrypto: handshake used out of sequence")
)

func randomIndex() (uint32, error) {
	var idx uint32
	for i := 0; i < 8 && idx == 0; i++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		idx = binary.LittleEndian.Uint32(b[:])
	}
	if idx == 0 {
		return 0, errors.New("wgcrypto: could not generate nonzero index")
	}
	return idx, nil
}

// CreateInitiation builds a type-1 message from localPriv/localPub to
// remoteStatic. psk is not used here: IKpsk2 mixes the preshared key in
// only when the response is built and consumed (CreateResponse,
// ConsumeResponse). The returned Handshake must be kept by the caller,
// indexed by its LocalIndex, until a matching response arrives or the
// attempt times out.
func CreateInitiation(localPriv NoisePrivateKey, localPub NoisePublicKey, remoteStatic NoisePublicKey, psk NoisePresharedKey) (*Handshake, *wire.MessageInitiation, error) {
	hs := &Handshake{
		ChainKey:     initialChainKey,
		Hash:         initialHash,
		RemoteStatic: remoteStatic,
		Created:      time.Now(),
	}

	ss, err := dh(localPriv, remoteStatic)
	if err != nil {
		return nil, nil, err
	}
	copy(hs.PrecomputedStaticStatic[:], ss[:])

	mixHash(&hs.Hash, &hs.Hash, remoteStatic[:])

	hs.LocalEphemeral, err = GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	ephPub := hs.LocalEphemeral.PublicKey()

	mixHash(&hs.Hash, &hs.Hash, ephPub[:])
	mixKey(&hs.ChainKey, &hs.ChainKey, ephPub[:])

	ss, err = dh(hs.LocalEphemeral, remoteStatic)
	if err != nil {
		return nil, nil, err
	}

	var key [chacha20poly1305.KeySize]byte
	kdf2(&hs.ChainKey, &key, hs.ChainKey[:], ss[:])

	aeadCipher, _ := chacha20poly1305.New(key[:])
	var msg wire.MessageInitiation
	msg.Type = wire.WGTypeInitiation
	copy(msg.Ephemeral[:], ephPub[:])

	encStatic := aeadCipher.Seal(nil, zeroNonce[:], localPub[:], hs.Hash[:])
	copy(msg.Static[:], encStatic)
	mixHash(&hs.Hash, &hs.Hash, msg.Static[:])

	kdf2(&hs.ChainKey, &key, hs.ChainKey[:], hs.PrecomputedStaticStatic[:])

	ts := tai64n.Now()
	aeadCipher, _ = chacha20poly1305.New(key[:])
	encTS := aeadCipher.Seal(nil, zeroNonce[:], ts[:], hs.Hash[:])
	copy(msg.Timestamp[:], encTS)
	mixHash(&hs.Hash, &hs.Hash, msg.Timestamp[:])

	idx, err := randomIndex()
	if err != nil {
		return nil, nil, err
	}
	hs.LocalIndex = idx
	hs.State = StateInitiationCreated
	msg.Sender = idx

	return hs, &msg, nil
}

// ConsumeInitiation processes a type-1 message addressed to
// (localPriv, localPub). It returns a fresh Handshake with
// RemoteStatic populated; the caller is responsible for looking that
// key up in its peer table, checking that a handshake from this peer
// is actually welcome, and only then proceeding to CreateResponse.
func ConsumeInitiation(localPriv NoisePrivateKey, localPub NoisePublicKey, msg *wire.MessageInitiation) (*Handshake, error) {
	hs := &Handshake{
		ChainKey:    initialChainKey,
		Hash:        initialHash,
		RemoteIndex: msg.Sender,
		Created:     time.Now(),
	}

	mixHash(&hs.Hash, &hs.Hash, localPub[:])

	copy(hs.RemoteEphemeral[:], msg.Ephemeral[:])
	mixHash(&hs.Hash, &hs.Hash, hs.RemoteEphemeral[:])
	mixKey(&hs.ChainKey, &hs.ChainKey, hs.RemoteEphemeral[:])

	ss, err := dh(localPriv, hs.RemoteEphemeral)
	if err != nil {
		return nil, err
	}

	var key [chacha20poly1305.KeySize]byte
	kdf2(&hs.ChainKey, &key, hs.ChainKey[:], ss[:])

	aeadCipher, _ := chacha20poly1305.New(key[:])
	remoteStatic, err := aeadCipher.Open(nil, zeroNonce[:], msg.Static[:], hs.Hash[:])
	if err != nil || len(remoteStatic) != NoisePublicKeySize {
		return nil, ErrDecryptStatic
	}
	copy(hs.RemoteStatic[:], remoteStatic)
	mixHash(&hs.Hash, &hs.Hash, msg.Static[:])

	ss, err = dh(localPriv, hs.RemoteStatic)
	if err != nil {
		return nil, err
	}
	copy(hs.PrecomputedStaticStatic[:], ss[:])
	kdf2(&hs.ChainKey, &key, hs.ChainKey[:], ss[:])

	aeadCipher, _ = chacha20poly1305.New(key[:])
	tsBytes, err := aeadCipher.Open(nil, zeroNonce[:], msg.Timestamp[:], hs.Hash[:])
	if err != nil || len(tsBytes) != tai64n.TimestampSize {
		return nil, ErrDecryptTimestamp
	}
	mixHash(&hs.Hash, &hs.Hash, msg.Timestamp[:])

	copy(hs.LastTimestamp[:], tsBytes)
	hs.State = StateInitiationConsumed

	return hs, nil
}

// CheckReplay reports whether ts is newer than any timestamp already
// seen from this peer's identity. The caller keeps the last seen
// tai64n.Timestamp per peer, not per Handshake, since it must survive
// across handshake attempts.
func CheckReplay(last, ts tai64n.Timestamp) bool {
	return ts.After(last)
}

// CreateResponse builds a type-2 message answering a Handshake
// produced by ConsumeInitiation, mixing in psk. It returns the
// transport keys derived for this session: as responder, recv comes
// first in the Noise output and send second.
func CreateResponse(hs *Handshake, psk NoisePresharedKey) (resp *wire.MessageResponse, recvKey, sendKey [chacha20poly1305.KeySize]byte, err error) {
	if hs.State != StateInitiationConsumed {
		return nil, recvKey, sendKey, ErrMismatchedState
	}

	idx, err := randomIndex()
	if err != nil {
		return nil, recvKey, sendKey, err
	}

	var msg wire.MessageResponse
	msg.Type = wire.WGTypeResponse
	msg.Sender = idx
	msg.Receiver = hs.RemoteIndex

	localEph, err := GeneratePrivateKey()
	if err != nil {
		return nil, recvKey, sendKey, err
	}
	ephPub := localEph.PublicKey()
	copy(msg.Ephemeral[:], ephPub[:])

	mixHash(&hs.Hash, &hs.Hash, ephPub[:])
	mixKey(&hs.ChainKey, &hs.ChainKey, ephPub[:])

	ss, err := dh(localEph, hs.RemoteEphemeral)
	if err != nil {
		return nil, recvKey, sendKey, err
	}
	mixKey(&hs.ChainKey, &hs.ChainKey, ss[:])

	ss, err = dh(localEph, hs.RemoteStatic)
	if err != nil {
		return nil, recvKey, sendKey, err
	}
	mixKey(&hs.ChainKey, &hs.ChainKey, ss[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&hs.ChainKey, &hs.Hash, &key, psk)

	aeadCipher, _ := chacha20poly1305.New(key[:])
	empty := aeadCipher.Seal(nil, zeroNonce[:], nil, hs.Hash[:])
	copy(msg.Empty[:], empty)
	mixHash(&hs.Hash, &hs.Hash, empty)

	hs.LocalIndex = idx
	hs.LocalEphemeral = localEph
	hs.State = StateResponseCreated

	kdf2(&recvKey, &sendKey, hs.ChainKey[:], nil)

	return &msg, recvKey, sendKey, nil
}

// ConsumeResponse completes the initiator side against a Handshake
// produced by CreateInitiation. On success it returns the transport
// keys: as initiator, send comes first and recv second.
func ConsumeResponse(hs *Handshake, localPriv NoisePrivateKey, msg *wire.MessageResponse, psk NoisePresharedKey) (sendKey, recvKey [chacha20poly1305.KeySize]byte, err error) {
	if hs.State != StateInitiationCreated {
		return sendKey, recvKey, ErrMismatchedState
	}

	hash := hs.Hash
	chainKey := hs.ChainKey

	var remoteEph NoisePublicKey
	copy(remoteEph[:], msg.Ephemeral[:])
	mixHash(&hash, &hash, remoteEph[:])
	mixKey(&chainKey, &chainKey, remoteEph[:])

	ss, err := dh(hs.LocalEphemeral, remoteEph)
	if err != nil {
		return sendKey, recvKey, err
	}
	mixKey(&chainKey, &chainKey, ss[:])

	ss, err = dh(localPriv, remoteEph)
	if err != nil {
		return sendKey, recvKey, err
	}
	mixKey(&chainKey, &chainKey, ss[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&chainKey, &hash, &key, psk)

	aeadCipher, _ := chacha20poly1305.New(key[:])
	if _, err := aeadCipher.Open(nil, zeroNonce[:], msg.Empty[:], hash[:]); err != nil {
		return sendKey, recvKey, ErrDecryptEmpty
	}
	mixHash(&hash, &hash, msg.Empty[:])

	hs.RemoteIndex = msg.Sender
	hs.RemoteEphemeral = remoteEph
	hs.State = StateResponseConsumed

	kdf2(&sendKey, &recvKey, chainKey[:], nil)
	return sendKey, recvKey, nil
}
