// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package config holds the in-memory configuration model shared by
// master, enclave, proxy and ifn, and the startup protocol that
// carries role-minimized views of it from master to each child before
// any of them touch untrusted input.
package config

import (
	"net/netip"

	"github.com/tkuijsten/wiresep/internal/wgcrypto"
)

// AllowedIP is one prefix routed to a peer.
type AllowedIP struct {
	Prefix netip.Prefix
}

// Peer is one interface's view of a remote endpoint.
type Peer struct {
	ID          uint32
	Name        string
	Endpoint    netip.AddrPort // zero value if not yet known (peer connects to us first)
	PublicKey   wgcrypto.NoisePublicKey
	PresharedKey wgcrypto.NoisePresharedKey
	AllowedIPs  []AllowedIP
}

// Interface is one wireguard interface's full configuration, as known
// to master before it is split into per-role startup messages.
type Interface struct {
	ID          uint32
	Name        string
	Description string
	ListenPort  int
	PrivateKey  wgcrypto.NoisePrivateKey
	Addresses   []netip.Prefix
	Peers       []Peer
}

// Runtime is the whole runtime's configuration: global daemon options
// plus every interface, exactly what master parses from a config file
// or builds from flags before it starts forking children.
type Runtime struct {
	Background bool
	Verbose    int
	UID        uint32
	GID        uint32
	EnclavePort int
	ProxyPort   int
	Interfaces  []Interface
}

// PublicKey derives the public key for an interface's private key,
// used only by master before the private key is handed to the
// enclave-role startup message and forgotten.
func (i Interface) PublicKey() wgcrypto.NoisePublicKey {
	return i.PrivateKey.PublicKey()
}
