// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wire

// Startup configuration protocol structures. Master sends these,
// in strict order, to each freshly-forked child before that child ever
// touches an untrusted socket: one SInit, then for each interface one
// SIfn followed by its listen addresses and peers (each peer followed
// by its allowed-ip prefixes), then finally one SEOS. Every child
// enforces this exact ordering on decode and treats a violation as
// fatal, never as a recoverable protocol error, since this channel is
// never touched by anything but master.
//
// Every message here also carries the fields relevant to who receives
// it; role-minimization (a proxy never seeing a private key, an
// enclave never seeing a listen address) is enforced by which fields
// master fills in per role, documented on buildSIfn/buildSPeer in
// internal/master, not by separate wire types per role.

// SInit is the very first message on every child's config channel.
type SInit struct {
	Background bool
	Verbose    int32
	UID        uint32
	GID        uint32
	EnclavePort int32
	ProxyPort   int32
	NumIfns     uint32
}

// SIfn introduces one interface. IfnID indexes it for the lifetime of
// the runtime; every later SPeer/SCidrAddr for peers of this interface
// references it. Sent to enclave, proxy and ifn, each with IfName and
// IfDesc; only the enclave's copy carries PrivateKey and PublicKey, and
// only the enclave's copy has Port zeroed.
type SIfn struct {
	IfnID       uint32
	Port        int32
	IfName      [8]byte
	IfDesc      [65]byte
	PrivateKey  [NoisePrivateKeySize]byte
	PublicKey   [NoisePublicKeySize]byte
	PubKeyHash  [32]byte
	MAC1Key     [32]byte
	CookieKey   [32]byte
	NumIfAddrs  uint32
	NumPeers    uint32
	NumLAddr6   uint32
	NumLAddr4   uint32
}

// Zero overwrites the private key material.
func (m *SIfn) Zero() {
	for i := range m.PrivateKey {
		m.PrivateKey[i] = 0
	}
}

// SPeer introduces one peer of the interface named by IfnID. Sent to
// enclave, proxy and ifn, but the proxy's copy has PSK/PeerKey zeroed
// out by master before it is ever framed for that role — the proxy
// only ever needs MAC1Key/CookieKey to run this peer's CookieGenerator,
// applying MAC1/MAC2 to outbound handshake messages the enclave hands
// it and consuming any cookie reply the peer sends back. ifn's copy has
// MAC1Key/CookieKey zeroed instead: cookie bookkeeping stays with
// proxy.
type SPeer struct {
	IfnID       uint32
	PeerID      uint32
	Name        [9]byte
	EndpointSet bool
	Endpoint    SockAddr
	PSK         [NoisePresharedKeySize]byte
	PeerKey     [NoisePublicKeySize]byte
	MAC1Key     [32]byte
	CookieKey   [32]byte
	NumAllowed  uint32
}

// Zero overwrites the peer secret material.
func (m *SPeer) Zero() {
	for i := range m.PSK {
		m.PSK[i] = 0
	}
	for i := range m.PeerKey {
		m.PeerKey[i] = 0
	}
}

// SCidrAddr carries either an interface address (PeerID == 0) or one
// allowed-ip prefix belonging to PeerID, depending on where it appears
// in the ordered stream relative to the SPeer messages for IfnID.
type SCidrAddr struct {
	IfnID      uint32
	PeerID     uint32
	Addr       SockAddr
	PrefixLen  uint32
}

// SEOS marks the end of the startup stream. After this message the
// child drops privileges (internal/privsep) and starts trusting only
// its runtime peers, never master, on this channel again.
type SEOS struct{}
