// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package enclave implements the one process in the runtime that ever
// holds a long-term private key or a preshared key. It speaks the
// Noise_IKpsk2 handshake and checks and applies MAC1 on behalf of
// every configured interface (cookies and MAC2 are proxy's), and hands
// freshly derived transport
// keys to the owning ifn the moment they're ready — it never touches a
// transport data packet itself.
package enclave

import (
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/tkuijsten/wiresep/internal/wgcrypto"
)

// attemptState is the small state machine the enclave drives per peer
// while a handshake is outstanding: at most one attempt in flight at a
// time, one index per peer.
type attemptState int

const (
	attemptIdle attemptState = iota
	attemptInitSent
)

// PeerState is everything the enclave remembers about one configured
// peer of one interface.
type PeerState struct {
	ID        uint32
	PublicKey wgcrypto.NoisePublicKey
	PSK       wgcrypto.NoisePresharedKey
	// mac1Key signs the enclave's own outbound handshake messages to
	// this peer. MAC2 is never applied here; cookies and MAC2 are
	// proxy's job, outside the enclave.
	mac1Key       [32]byte
	Endpoint      netip.AddrPort
	HasEndpoint   bool
	LastTimestamp tai64n.Timestamp
	LastHandshake time.Time

	attempt      attemptState
	attemptIndex uint32
}

// Identity is one interface's long-term key material and peer table,
// exactly what the SIfn/SPeer startup messages hand the enclave.
type Identity struct {
	IfnID      uint32
	PrivateKey wgcrypto.NoisePrivateKey
	PublicKey  wgcrypto.NoisePublicKey
	Checker    *wgcrypto.CookieChecker
	Peers      map[uint32]*PeerState
	byPubKey   map[wgcrypto.NoisePublicKey]*PeerState
}

// NewIdentity builds an Identity from a decoded SIfn's key material.
func NewIdentity(ifnID uint32, priv wgcrypto.NoisePrivateKey) (*Identity, error) {
	pub := priv.PublicKey()
	checker, err := wgcrypto.NewCookieChecker(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{
		IfnID:      ifnID,
		PrivateKey: priv,
		PublicKey:  pub,
		Checker:    checker,
		Peers:      make(map[uint32]*PeerState),
		byPubKey:   make(map[wgcrypto.NoisePublicKey]*PeerState),
	}, nil
}

// AddPeer registers a peer decoded from an SPeer message.
func (id *Identity) AddPeer(peerID uint32, pub wgcrypto.NoisePublicKey, psk wgcrypto.NoisePresharedKey) *PeerState {
	ps := &PeerState{
		ID:        peerID,
		PublicKey: pub,
		PSK:       psk,
		mac1Key:   wgcrypto.DeriveMAC1Key(pub),
	}
	id.Peers[peerID] = ps
	id.byPubKey[pub] = ps
	return ps
}

// PeerByKey looks up a peer by its static public key, the only way an
// inbound handshake initiation identifies itself.
func (id *Identity) PeerByKey(pub wgcrypto.NoisePublicKey) (*PeerState, bool) {
	ps, ok := id.byPubKey[pub]
	return ps, ok
}

// pendingHandshake is one in-flight attempt the enclave is tracking,
// keyed by the local index it generated.
type pendingHandshake struct {
	ifnID   uint32
	peerID  uint32
	hs      *wgcrypto.Handshake
	created time.Time
}

// srcKey reduces a remote address to the granularity the rate limiter
// and cookie mechanism reason about: the address only, no port.
func srcKey(ap netip.AddrPort) netip.Addr {
	return ap.Addr()
}
