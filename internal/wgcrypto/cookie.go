// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tkuijsten/wiresep/internal/wire"
)

var errNoPendingMAC1 = errors.New("wgcrypto: cookie reply with no pending initiation")

// CookieRefreshTime is how long a generated cookie secret, or a
// received cookie, stays valid.
const CookieRefreshTime = 120 * time.Second

// CookieChecker verifies MAC1/MAC2 on messages addressed to a local
// identity, and can build a cookie reply (CreateReply); CreateReply is
// not called outside this package's tests.
// It is keyed once at interface setup from the local static public
// key and is safe to share read-only across message classification
// calls; the enclave still only ever touches it from its own loop.
type CookieChecker struct {
	mac1Key       [32]byte
	secret        [32]byte
	secretSet     time.Time
	encryptionKey [chacha20poly1305.KeySize]byte
}

// NewCookieChecker derives a checker for the given local static public
// key.
func NewCookieChecker(localPub NoisePublicKey) (*CookieChecker, error) {
	return NewCookieCheckerFromKeys(calculateMAC1Key(localPub), calculateCookieKey(localPub))
}

// NewCookieCheckerFromKeys builds a checker directly from an already
// derived MAC1/cookie key pair, without ever seeing the static key
// they came from. This is what the proxy and ifn roles use: master
// computes DeriveMAC1Key/DeriveCookieKey once from an interface's
// public key and hands the results down, so they can check MAC1 on
// handshake traffic without holding any key capable of decrypting it.
func NewCookieCheckerFromKeys(mac1Key, cookieKey [32]byte) (*CookieChecker, error) {
	cc := &CookieChecker{mac1Key: mac1Key, encryptionKey: cookieKey}
	if _, err := rand.Read(cc.secret[:]); err != nil {
		return nil, err
	}
	cc.secretSet = time.Now()
	return cc, nil
}

// DeriveMAC1Key computes the MAC1 key for a static public key, the
// value carried in SIfn.MAC1Key/SPeer.MAC1Key so proxy never needs the
// key itself.
func DeriveMAC1Key(pub NoisePublicKey) [32]byte {
	return calculateMAC1Key(pub)
}

// DeriveCookieKey computes the cookie encryption key for a static
// public key, the value carried in SIfn.CookieKey.
func DeriveCookieKey(pub NoisePublicKey) [32]byte {
	return calculateCookieKey(pub)
}

// CheckMAC1 verifies the MAC1 trailer of a raw wire message. msg is
// the message exactly as it arrived, MAC1/MAC2 trailers included.
func (cc *CookieChecker) CheckMAC1(msg []byte) bool {
	if len(msg) < blake2s.Size128*2 {
		return false
	}
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac, err := blake2s.New128(cc.mac1Key[:])
	if err != nil {
		return false
	}
	mac.Write(msg[:smac1])
	var computed [blake2s.Size128]byte
	mac.Sum(computed[:0])
	return hmac.Equal(computed[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the MAC2 trailer, which proves the sender saw a
// cookie we issued to srcIP within the last CookieRefreshTime.
func (cc *CookieChecker) CheckMAC2(msg, srcIP []byte) bool {
	if time.Since(cc.secretSet) > CookieRefreshTime {
		return false
	}

	var cookie [blake2s.Size128]byte
	mac, err := blake2s.New128(cc.secret[:])
	if err != nil {
		return false
	}
	mac.Write(srcIP)
	mac.Sum(cookie[:0])

	smac2 := len(msg) - blake2s.Size128
	if smac2 < 0 {
		return false
	}
	var mac2 [blake2s.Size128]byte
	mac, _ = blake2s.New128(cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])

	return hmac.Equal(mac2[:], msg[smac2:])
}

// CreateReply builds a type-3 cookie reply for a rate-limited or
// under-load initiator. receiverIdx is the sender index taken from
// their initiation; initMAC1 is that initiation's own MAC1 field,
// used as authenticated additional data so the reply can only be
// decrypted by whoever holds that exact initiation.
func (cc *CookieChecker) CreateReply(srcIP []byte, receiverIdx uint32, initMAC1 []byte) (*wire.MessageCookieReply, error) {
	var cookie [blake2s.Size128]byte
	mac, err := blake2s.New128(cc.secret[:])
	if err != nil {
		return nil, err
	}
	mac.Write(srcIP)
	mac.Sum(cookie[:0])

	var reply wire.MessageCookieReply
	reply.Type = wire.WGTypeCookieReply
	reply.Receiver = receiverIdx
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, err
	}

	xaead, err := chacha20poly1305.NewX(cc.encryptionKey[:])
	if err != nil {
		return nil, err
	}
	enc := xaead.Seal(nil, reply.Nonce[:], cookie[:], initMAC1)
	copy(reply.Cookie[:], enc)

	return &reply, nil
}

// CookieGenerator adds MAC1/MAC2 to messages this identity sends to
// one particular peer, and holds whatever cookie that peer last sent
// back. There is one CookieGenerator per configured peer.
type CookieGenerator struct {
	mac1Key       [32]byte
	encryptionKey [chacha20poly1305.KeySize]byte

	cookie      [blake2s.Size128]byte
	cookieSet   time.Time
	hasLastMAC1 bool
	lastMAC1    [blake2s.Size128]byte
}

// NewCookieGenerator derives a generator addressed to the given
// peer's static public key.
func NewCookieGenerator(remoteStatic NoisePublicKey) *CookieGenerator {
	return &CookieGenerator{
		mac1Key:       calculateMAC1Key(remoteStatic),
		encryptionKey: calculateCookieKey(remoteStatic),
	}
}

// NewCookieGeneratorFromKeys builds a generator directly from an
// already derived MAC1/cookie key pair, without ever seeing the
// peer's static key they came from. This is what proxy uses: master
// computes DeriveMAC1Key/DeriveCookieKey once from a peer's public key
// and hands the results down, so proxy can carry the DoS-cookie
// mechanism for a peer's outbound handshake messages without holding
// any key capable of completing that handshake.
func NewCookieGeneratorFromKeys(mac1Key, cookieKey [32]byte) *CookieGenerator {
	return &CookieGenerator{mac1Key: mac1Key, encryptionKey: cookieKey}
}

// AddMAC1 writes only the MAC1 trailer of msg in place, using mac1Key
// (the derived key for whichever peer msg is addressed to), and leaves
// MAC2 untouched. This is what the enclave uses: it never holds a
// cookie and never applies MAC2 itself, so msg's MAC2 field stays
// zeroed exactly as MarshalWG left it, ready for proxy to fill in (or
// leave zero) before the message reaches the wire.
func AddMAC1(msg []byte, mac1Key [32]byte) {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	mac1 := msg[smac1:smac2]

	mac, _ := blake2s.New128(mac1Key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])
}

// AddMacs computes and writes MAC1 (and MAC2, if we're currently
// holding a valid cookie from this peer) over msg in place. msg's
// trailing MAC1/MAC2 fields must already be sized and present, zeroed.
func (cg *CookieGenerator) AddMacs(msg []byte) {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	mac, _ := blake2s.New128(cg.mac1Key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])

	copy(cg.lastMAC1[:], mac1)
	cg.hasLastMAC1 = true

	if time.Since(cg.cookieSet) > CookieRefreshTime {
		return
	}

	mac, _ = blake2s.New128(cg.cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])
}

// ConsumeCookieReply decrypts and stores the cookie carried by reply,
// authenticated against the MAC1 of whichever initiation we most
// recently sent this peer (AddMacs must have run first).
func (cg *CookieGenerator) ConsumeCookieReply(reply *wire.MessageCookieReply) error {
	if !cg.hasLastMAC1 {
		return errNoPendingMAC1
	}
	xaead, err := chacha20poly1305.NewX(cg.encryptionKey[:])
	if err != nil {
		return err
	}
	cookie, err := xaead.Open(nil, reply.Nonce[:], reply.Cookie[:], cg.lastMAC1[:])
	if err != nil {
		return err
	}
	copy(cg.cookie[:], cookie)
	cg.cookieSet = time.Now()
	return nil
}
