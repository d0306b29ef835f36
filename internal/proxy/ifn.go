// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package proxy implements the process that owns every UDP socket in
// the runtime. It never holds a private key or a preshared key: only
// the MAC1/cookie keys derived from an interface's public key, enough
// to classify handshake traffic by MAC1, add MAC1/MAC2 to outbound
// handshake messages and consume cookie replies, but not enough to
// complete a handshake or decrypt anything. It does no rate limiting
// and sends no cookie replies of its own.
// Handshake messages are relayed to the enclave; transport data
// packets are relayed straight to the owning ifn.
package proxy

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tkuijsten/wiresep/internal/wgcrypto"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// ifnState is everything proxy knows about one interface: its
// role-minimized MAC keys, its bound listen socket, and the
// session-id table built up as handshakes complete. Once a flow is
// pinned, proxy hands the connected socket to the owning ifn outright
// (see pinFlow) and keeps no reference of its own.
type ifnState struct {
	id         uint32
	checker    *wgcrypto.CookieChecker
	listenAddr netip.AddrPort
	sock       *net.UDPConn
	link       *wire.Conn

	sessions map[uint32]uint32 // sessid -> peerID

	// peers holds this interface's per-peer CookieGenerators, keyed by
	// peer id: MAC1+MAC2 on outbound handshake messages the enclave
	// hands proxy for relay, and consumption of whatever cookie reply
	// the peer sends back. The enclave never holds these; proxy applies
	// MAC2 on its behalf.
	peers map[uint32]*wgcrypto.CookieGenerator
	// bySender maps an outbound message's local index (Sender, assigned
	// by the enclave) to the peer it belongs to, so a later cookie
	// reply (addressed by that same index, now Receiver) can find the
	// right generator without proxy needing to know anything about the
	// handshake itself.
	bySender map[uint32]uint32
}

func newIfnState(id uint32, mac1Key, cookieKey [32]byte, listenAddr netip.AddrPort, sock *net.UDPConn, link *wire.Conn) (*ifnState, error) {
	checker, err := wgcrypto.NewCookieCheckerFromKeys(mac1Key, cookieKey)
	if err != nil {
		return nil, err
	}
	return &ifnState{
		id:         id,
		checker:    checker,
		listenAddr: listenAddr,
		sock:       sock,
		link:       link,
		sessions:   make(map[uint32]uint32),
		peers:      make(map[uint32]*wgcrypto.CookieGenerator),
		bySender:   make(map[uint32]uint32),
	}, nil
}

// addPeer registers a peer's CookieGenerator, built from the MAC1/cookie
// keys master derived from that peer's static key rather than the key
// itself.
func (s *ifnState) addPeer(peerID uint32, mac1Key, cookieKey [32]byte) {
	s.peers[peerID] = wgcrypto.NewCookieGeneratorFromKeys(mac1Key, cookieKey)
}

// applyOutboundMacs stamps raw (a marshaled type-1 or type-2 message)
// with peerID's MAC1/MAC2 before it goes out, and remembers sender so a
// later cookie reply addressed to it can be routed back to this
// generator.
func (s *ifnState) applyOutboundMacs(peerID, sender uint32, raw []byte) {
	cg, ok := s.peers[peerID]
	if !ok {
		return
	}
	cg.AddMacs(raw)
	s.bySender[sender] = peerID
}

// consumeCookieReply looks up the generator for whichever peer sent
// this outbound message (by the reply's Receiver index, the local
// index the enclave originally assigned) and feeds it the reply.
func (s *ifnState) consumeCookieReply(reply *wire.MessageCookieReply) error {
	peerID, ok := s.bySender[reply.Receiver]
	if !ok {
		return fmt.Errorf("consumeCookieReply: no pending sender for index %d", reply.Receiver)
	}
	cg, ok := s.peers[peerID]
	if !ok {
		return fmt.Errorf("consumeCookieReply: no CookieGenerator for peer %d", peerID)
	}
	delete(s.bySender, reply.Receiver)
	return cg.ConsumeCookieReply(reply)
}

// pinFlow dials a socket connected to remote, bound to this
// interface's own listen address and port via SO_REUSEPORT so the bind
// doesn't collide with the still-open shared listen socket, and hands
// its file descriptor to the owning ifn over the control channel via
// SCM_RIGHTS. From that point on the connected (local, remote) 4-tuple
// is a strictly more specific match than the shared listen socket, so
// the kernel routes this peer's inbound traffic straight to ifn's copy
// of the descriptor without proxy ever seeing it again; proxy keeps no
// reference to the socket at all once the hand-off succeeds.
func (s *ifnState) pinFlow(peerID uint32, remote netip.AddrPort) error {
	laddr := net.UDPAddrFromAddrPort(s.listenAddr)
	raddr := net.UDPAddrFromAddrPort(remote)
	d := net.Dialer{LocalAddr: laddr, Control: setReusePort}
	c, err := d.Dial(udpNetwork(remote.Addr()), raddr.String())
	if err != nil {
		return fmt.Errorf("pinFlow: dial: %w", err)
	}
	uc := c.(*net.UDPConn)
	f, err := uc.File()
	uc.Close()
	if err != nil {
		return fmt.Errorf("pinFlow: dup fd: %w", err)
	}
	defer f.Close()

	msg := wire.ConnSock{IfnID: s.id, PeerID: peerID}
	if err := s.link.SendFile(wire.MsgConnSock, &msg, f); err != nil {
		return fmt.Errorf("pinFlow: hand off to ifn: %w", err)
	}
	return nil
}

// setReusePort sets SO_REUSEPORT on a dialed socket before connect(),
// letting it bind the same local address:port as an already-listening
// wildcard-remote socket.
func setReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

func udpNetwork(addr netip.Addr) string {
	if addr.Is4() {
		return "udp4"
	}
	return "udp6"
}

// sendUnconnected writes raw bytes out the shared listen socket,
// addressed explicitly. Handshake control messages always go this
// way: an explicit address is unambiguous regardless of what flows
// happen to be pinned.
func (s *ifnState) sendUnconnected(addr netip.AddrPort, b []byte) error {
	_, err := s.sock.WriteToUDPAddrPort(b, addr)
	return err
}
