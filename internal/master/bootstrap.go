// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package master

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strconv"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/wgcrypto"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// childKind names which re-exec flag identifies a spawned child on its
// side of the fork.
type childKind int

const (
	kindEnclave childKind = iota
	kindProxy
	kindIfn
)

func (k childKind) String() string {
	switch k {
	case kindEnclave:
		return "enclave"
	case kindProxy:
		return "proxy"
	case kindIfn:
		return "ifn"
	default:
		return "unknown"
	}
}

// child is one spawned process together with the master-side end of
// its config/control channel.
type child struct {
	kind  childKind
	ifnID uint32 // only meaningful for kindIfn
	cmd   *exec.Cmd
	conn  *wire.Conn // master's end; closed once startup finishes
}

// Bootstrap wires every socket every child needs, forks the enclave,
// proxy and one ifn per configured interface, and drives the startup
// protocol to completion. It returns the spawned children so the
// caller (the idle supervisor, see supervisor.go) can watch them and
// tear the runtime down together.
//
// Every channel two children share is a single socketpair created
// here, before either side is spawned: os/exec's ExtraFiles hands a
// child deterministic fd numbers (3, 4, 5, ... in slice order), so the
// fd each child sees for a given link is computed up front rather than
// discovered afterward the way a fork-preserved fd number would be.
func Bootstrap(exe string, rt *config.Runtime) ([]*child, error) {
	enclaveSelf, enclaveChild, err := wire.NewSocketpair()
	if err != nil {
		return nil, fmt.Errorf("master: enclave socketpair: %w", err)
	}
	proxySelf, proxyChild, err := wire.NewSocketpair()
	if err != nil {
		return nil, fmt.Errorf("master: proxy socketpair: %w", err)
	}
	enclaveEnd, proxyEnd, err := wire.NewSocketpair()
	if err != nil {
		return nil, fmt.Errorf("master: enclave<->proxy socketpair: %w", err)
	}

	enclaveExtra := []*os.File{enclaveEnd}
	proxyExtra := []*os.File{proxyEnd}

	type ifnSpawn struct {
		id          uint32
		self, child *os.File
		toProxy     *os.File
		toEnclave   *os.File
	}
	var ifnSpawns []ifnSpawn
	for _, iface := range rt.Interfaces {
		self, ifnChild, err := wire.NewSocketpair()
		if err != nil {
			return nil, fmt.Errorf("master: ifn %d socketpair: %w", iface.ID, err)
		}
		ifnProxyEnd, proxyIfnEnd, err := wire.NewSocketpair()
		if err != nil {
			return nil, fmt.Errorf("master: ifn %d <-> proxy socketpair: %w", iface.ID, err)
		}
		ifnEnclaveEnd, enclaveIfnEnd, err := wire.NewSocketpair()
		if err != nil {
			return nil, fmt.Errorf("master: ifn %d <-> enclave socketpair: %w", iface.ID, err)
		}
		proxyExtra = append(proxyExtra, proxyIfnEnd)
		enclaveExtra = append(enclaveExtra, enclaveIfnEnd)
		ifnSpawns = append(ifnSpawns, ifnSpawn{
			id: iface.ID, self: self, child: ifnChild,
			toProxy: ifnProxyEnd, toEnclave: ifnEnclaveEnd,
		})
	}

	enclaveCmd, err := spawn(exe, "-E", enclaveChild, enclaveExtra)
	if err != nil {
		return nil, fmt.Errorf("master: spawn enclave: %w", err)
	}
	proxyCmd, err := spawn(exe, "-P", proxyChild, proxyExtra)
	if err != nil {
		return nil, fmt.Errorf("master: spawn proxy: %w", err)
	}

	enclaveConn, err := wire.NewConn(enclaveSelf)
	if err != nil {
		return nil, err
	}
	proxyConn, err := wire.NewConn(proxySelf)
	if err != nil {
		return nil, err
	}

	children := []*child{
		{kind: kindEnclave, cmd: enclaveCmd, conn: enclaveConn},
		{kind: kindProxy, cmd: proxyCmd, conn: proxyConn},
	}

	for _, s := range ifnSpawns {
		cmd, err := spawn(exe, "-I", s.child, []*os.File{s.toProxy, s.toEnclave})
		if err != nil {
			return nil, fmt.Errorf("master: spawn ifn %d: %w", s.id, err)
		}
		conn, err := wire.NewConn(s.self)
		if err != nil {
			return nil, err
		}
		children = append(children, &child{kind: kindIfn, ifnID: s.id, cmd: cmd, conn: conn})
	}

	if err := sendStartup(children, rt); err != nil {
		return nil, err
	}
	return children, nil
}

// spawn re-execs exe into the named role, attaching selfEnd as the
// master channel (always the first ExtraFile, so it always lands on fd
// 3 in the child) followed by any additional channels the child needs,
// landing at fd 4, 5, ... in order. The child is told how many extra
// channels to expect via a trailing positional argument, since a
// fork-preserved fd number has nothing to introspect after the fact —
// os/exec always renumbers from 3 up.
func spawn(exe, roleFlag string, selfEnd *os.File, extra []*os.File) (*exec.Cmd, error) {
	files := append([]*os.File{selfEnd}, extra...)
	cmd := exec.Command(exe, roleFlag, "3", strconv.Itoa(len(extra)))
	cmd.ExtraFiles = files
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func sendStartup(children []*child, rt *config.Runtime) error {
	for _, c := range children {
		w := config.NewWriter(c.conn)
		sinit := buildSInit(rt)
		if err := w.SendSInit(&sinit); err != nil {
			return fmt.Errorf("master: SINIT to %v: %w", c.kind, err)
		}
		for _, iface := range rt.Interfaces {
			sifn := buildSIfn(iface, c.kind)
			if err := w.SendSIfn(&sifn); err != nil {
				return err
			}
			sifn.Zero()
			for _, addr := range iface.Addresses {
				m := wire.SCidrAddr{IfnID: iface.ID, Addr: config.SockAddrFromAddrPort(prefixAddrPort(addr)), PrefixLen: uint32(addr.Bits())}
				if err := w.SendSCidrAddr(&m); err != nil {
					return err
				}
			}
			for _, p := range iface.Peers {
				sp := buildSPeer(iface.ID, p, c.kind)
				if err := w.SendSPeer(&sp); err != nil {
					return err
				}
				sp.Zero()
				for _, a := range p.AllowedIPs {
					m := wire.SCidrAddr{IfnID: iface.ID, PeerID: p.ID, Addr: config.SockAddrFromAddrPort(prefixAddrPort(a.Prefix)), PrefixLen: uint32(a.Prefix.Bits())}
					if err := w.SendSCidrAddr(&m); err != nil {
						return err
					}
				}
			}
		}
		if err := w.SendSEOS(); err != nil {
			return fmt.Errorf("master: SEOS to %v: %w", c.kind, err)
		}
	}
	return nil
}

// prefixAddrPort adapts a prefix's address to the AddrPort shape
// SockAddrFromAddrPort expects; allowed-ip and interface-address
// prefixes carry no port of their own.
func prefixAddrPort(p netip.Prefix) netip.AddrPort {
	return netip.AddrPortFrom(p.Addr(), 0)
}

func buildSInit(rt *config.Runtime) wire.SInit {
	return wire.SInit{
		Background:  rt.Background,
		Verbose:     int32(rt.Verbose),
		UID:         rt.UID,
		GID:         rt.GID,
		EnclavePort: int32(rt.EnclavePort),
		ProxyPort:   int32(rt.ProxyPort),
		NumIfns:     uint32(len(rt.Interfaces)),
	}
}

// buildSIfn fills in the fields relevant to kind and zeroes everything
// role-minimization says this recipient must never see. The proxy
// never learns a private key or the interface's real public key, only
// the MAC1/cookie keys derived from it; only proxy and ifn learn the
// listen port, the enclave's copy has Port zeroed.
func buildSIfn(iface config.Interface, kind childKind) wire.SIfn {
	m := wire.SIfn{
		IfnID:      iface.ID,
		Port:       int32(iface.ListenPort),
		NumIfAddrs: uint32(len(iface.Addresses)),
		NumPeers:   uint32(len(iface.Peers)),
	}
	copy(m.IfName[:], iface.Name)
	copy(m.IfDesc[:], iface.Description)

	pub := iface.PublicKey()
	m.PublicKey = pub
	m.MAC1Key = wgcrypto.DeriveMAC1Key(pub)
	m.CookieKey = wgcrypto.DeriveCookieKey(pub)

	switch kind {
	case kindEnclave:
		m.PrivateKey = iface.PrivateKey
		m.Port = 0
	case kindProxy:
		// Proxy classifies traffic with MAC1Key/CookieKey alone; it
		// never needs the private key or even the public key itself.
		m.PublicKey = wgcrypto.NoisePublicKey{}
	case kindIfn:
		// ifn never learns the static key, but it does hold MAC1Key and
		// CookieKey: once a peer's flow is pinned to ifn's own connected
		// socket, any packet from that exact address lands there
		// (including a handshake re-initiation), and ifn needs a
		// CookieChecker of its own to classify and verify it before
		// relaying it to enclave, the same way proxy classifies traffic
		// on the shared listen socket.
		m.PublicKey = wgcrypto.NoisePublicKey{}
	}
	return m
}

func buildSPeer(ifnID uint32, p config.Peer, kind childKind) wire.SPeer {
	m := wire.SPeer{
		IfnID:      ifnID,
		PeerID:     p.ID,
		NumAllowed: uint32(len(p.AllowedIPs)),
	}
	copy(m.Name[:], p.Name)
	if p.Endpoint.IsValid() {
		m.EndpointSet = true
		m.Endpoint = config.SockAddrFromAddrPort(p.Endpoint)
	}
	m.MAC1Key = wgcrypto.DeriveMAC1Key(p.PublicKey)
	m.CookieKey = wgcrypto.DeriveCookieKey(p.PublicKey)

	switch kind {
	case kindEnclave:
		m.PSK = p.PresharedKey
		m.PeerKey = p.PublicKey
	case kindProxy:
		// Proxy carries this peer's own CookieGenerator: MAC1+MAC2 on
		// outbound handshake messages relayed from the enclave, and
		// cookie-reply consumption, all keyed off values derived here
		// rather than the peer's real static key.
	case kindIfn:
		// ifn routes by allowed-ips, and MAC1 verification on a pinned
		// socket only ever needs the interface-level key (see SIfn):
		// WireGuard's MAC1 is keyed off the recipient's static key, not
		// the sender's, so no per-peer key material belongs here either.
		// Cookie bookkeeping for this peer stays with proxy too.
		m.MAC1Key = [32]byte{}
		m.CookieKey = [32]byte{}
	}
	return m
}
