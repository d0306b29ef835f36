// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package ifn

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/tkuijsten/wiresep/internal/allowedips"
	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/tun"
	"github.com/tkuijsten/wiresep/internal/wgcrypto"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// ifnPeer is one configured peer as ifn sees it: no static key, no
// preshared key, just what's needed to route and rekey.
type ifnPeer struct {
	id       uint32
	sessions sessionSet
	queue    *pendingQueue

	endpoint    netip.AddrPort
	hasEndpoint bool

	// sock is the connected UDP socket proxy pinned to this peer's flow
	// and handed off via SCM_RIGHTS, once one exists. Outbound packets
	// prefer it over relaying through proxy; nil until the first
	// MsgConnSock arrives, after which each later MsgConnSock replaces it.
	sock *net.UDPConn

	lastRekeyReq  time.Time
	lastHandshake time.Time
	sentBytes     uint64
	recvBytes     uint64
}

// Ifn owns a tunnel device, the allowed-ips routing table, and every
// live transport session for one interface.
type Ifn struct {
	log *slog.Logger
	id  uint32

	dev     *tun.Device
	checker *wgcrypto.CookieChecker
	proxy   *wire.Conn
	enclave *wire.Conn

	routes    allowedips.Table
	peers     map[uint32]*ifnPeer
	bySession map[uint32]uint32 // session id -> peer id

	tunCh   chan []byte
	proxyCh chan proxyFrame
	enclCh  chan enclFrame
	sockCh  chan sockFrame
}

type proxyFrame struct {
	mtcode  byte
	payload []byte
	file    *os.File
	err     error
}

type enclFrame struct {
	mtcode  byte
	payload []byte
	err     error
}

// sockFrame is what a pinned peer socket's reader goroutine hands to
// the loop: one raw transport datagram read straight off the
// connected socket, bypassing proxy entirely.
type sockFrame struct {
	peerID uint32
	addr   netip.AddrPort
	data   []byte
	err    error
}

// New builds an Ifn ready to have peers added via AddPeer before Run
// starts the event loop. mac1Key/cookieKey are the interface-level keys
// SIfn carries for the ifn role: once a peer's flow is pinned to a
// socket ifn drives directly, any packet from that exact address lands
// there, handshake re-initiations included, so ifn needs its own
// CookieChecker to classify and verify those the way proxy already does
// on the shared listen socket.
func New(log *slog.Logger, id uint32, dev *tun.Device, mac1Key, cookieKey [32]byte, proxyConn, enclaveConn *wire.Conn) (*Ifn, error) {
	if log == nil {
		log = slog.Default()
	}
	checker, err := wgcrypto.NewCookieCheckerFromKeys(mac1Key, cookieKey)
	if err != nil {
		return nil, err
	}
	ifn := &Ifn{
		log:       log,
		id:        id,
		dev:       dev,
		checker:   checker,
		proxy:     proxyConn,
		enclave:   enclaveConn,
		peers:     make(map[uint32]*ifnPeer),
		bySession: make(map[uint32]uint32),
		tunCh:     make(chan []byte, 256),
		proxyCh:   make(chan proxyFrame, 256),
		enclCh:    make(chan enclFrame, 64),
		sockCh:    make(chan sockFrame, 256),
	}
	go ifn.readTun()
	go ifn.readProxy()
	go ifn.readEnclave()
	ifn.watchStatsSignal()
	return ifn, nil
}

// AddPeer registers a configured peer and its allowed-ip routes.
func (ifn *Ifn) AddPeer(p config.Peer) {
	ip := &ifnPeer{id: p.ID, queue: newPendingQueue()}
	if p.Endpoint.IsValid() {
		ip.endpoint = p.Endpoint
		ip.hasEndpoint = true
	}
	ifn.peers[p.ID] = ip
	for _, a := range p.AllowedIPs {
		ifn.routes.Insert(a.Prefix, allowedips.PeerRef(p.ID))
	}
}

func (ifn *Ifn) readTun() {
	for {
		pkt, err := ifn.dev.ReadPacket()
		if err != nil {
			close(ifn.tunCh)
			return
		}
		if pkt == nil {
			continue
		}
		cp := make([]byte, len(pkt))
		copy(cp, pkt)
		ifn.tunCh <- cp
	}
}

func (ifn *Ifn) readProxy() {
	for {
		mt, payload, file, err := ifn.proxy.RecvFile()
		ifn.proxyCh <- proxyFrame{mtcode: mt, payload: payload, file: file, err: err}
		if err != nil {
			return
		}
	}
}

// readPeerSock drains one pinned, connected peer socket until it's
// closed (superseded by a re-pin, or the process is tearing down).
func (ifn *Ifn) readPeerSock(peerID uint32, raddr netip.AddrPort, conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			ifn.sockCh <- sockFrame{peerID: peerID, err: err}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		ifn.sockCh <- sockFrame{peerID: peerID, addr: raddr, data: cp}
	}
}

func (ifn *Ifn) readEnclave() {
	for {
		mt, payload, err := ifn.enclave.Recv()
		ifn.enclCh <- enclFrame{mtcode: mt, payload: payload, err: err}
		if err != nil {
			return
		}
	}
}

// Run drives the event loop until ctx is cancelled or a fatal error
// occurs on one of the framed channels.
func (ifn *Ifn) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-ifn.tunCh:
			if !ok {
				return wire.Fatalf("ifn.Run", "tun device closed")
			}
			if err := ifn.handleOutbound(pkt); err != nil {
				ifn.log.Warn("ifn: outbound packet dropped", "err", err)
			}
		case f := <-ifn.proxyCh:
			if f.err != nil {
				return f.err
			}
			if err := ifn.handleProxyMsg(f.mtcode, f.payload, f.file); err != nil {
				if wire.IsFatal(err) {
					return err
				}
				ifn.log.Warn("ifn: recoverable proxy protocol error", "err", err)
			}
		case f := <-ifn.enclCh:
			if f.err != nil {
				return f.err
			}
			if err := ifn.handleEnclaveMsg(f.mtcode, f.payload); err != nil {
				if wire.IsFatal(err) {
					return err
				}
				ifn.log.Warn("ifn: recoverable enclave protocol error", "err", err)
			}
		case f := <-ifn.sockCh:
			if f.err != nil {
				ifn.log.Warn("ifn: pinned peer socket closed", "peer", f.peerID, "err", f.err)
				continue
			}
			if err := ifn.handleSockFrame(f.peerID, f.addr, f.data); err != nil {
				if wire.IsFatal(err) {
					return err
				}
				ifn.log.Warn("ifn: recoverable flow-socket protocol error", "err", err)
			}
		case <-ticker.C:
			ifn.tick()
		}
	}
}

// tick runs once a second: expire stale keypairs and nudge rekeys for
// peers that need one.
func (ifn *Ifn) tick() {
	for _, p := range ifn.peers {
		if p.sessions.current != nil && p.sessions.current.expired() {
			ifn.destroySession(p, p.sessions.current)
			p.sessions.current = nil
		}
		if p.sessions.previous != nil && p.sessions.previous.expired() {
			ifn.destroySession(p, p.sessions.previous)
			p.sessions.previous = nil
		}
		if p.sessions.next != nil && p.sessions.next.expired() {
			ifn.destroySession(p, p.sessions.next)
			p.sessions.next = nil
		}
		if needsRekey(p.sessions.current) && p.hasEndpoint {
			ifn.maybeRequestHandshake(p)
		}
	}
}

func (ifn *Ifn) maybeRequestHandshake(p *ifnPeer) {
	if time.Since(p.lastRekeyReq) < RekeyTimeout {
		return
	}
	p.lastRekeyReq = time.Now()
	ifn.enclave.Send(wire.MsgReqWGInit, &wire.ReqWGInit{IfnID: ifn.id, PeerID: p.id})
}

func (ifn *Ifn) destroySession(p *ifnPeer, s *session) {
	delete(ifn.bySession, s.id)
	ifn.proxy.Send(wire.MsgSessID, &wire.SessID{IfnID: ifn.id, PeerID: p.id, SessID: s.id, Type: wire.SessIDDestroy})
}

// handleOutbound encrypts one plaintext packet read from the tunnel
// and hands it to proxy, or queues it and requests a handshake if no
// session is ready yet.
func (ifn *Ifn) handleOutbound(pkt []byte) error {
	dst, ok := packetDstAddr(pkt)
	if !ok {
		return nil
	}
	peerID, ok := ifn.routes.Lookup(dst)
	if !ok {
		return nil
	}
	p, ok := ifn.peers[uint32(peerID)]
	if !ok {
		return nil
	}

	s := p.sessions.sendable()
	if s == nil {
		p.queue.push(pkt)
		ifn.maybeRequestHandshake(p)
		return nil
	}
	return ifn.encryptAndSend(p, s, pkt)
}

// encryptAndSend seals pkt under s and writes it out. If a socket has
// been pinned for this peer's flow, it goes straight out that
// connected socket without touching proxy at all; otherwise it's
// relayed through proxy's shared listen socket, the fallback path used
// until a flow is first pinned; once pinned, the existing socket stays
// in use until a new MsgConnSock replaces it. If s is
// still staged in next, this is the first authenticated (outbound)
// packet on it, so it's promoted to current before the peer even gets
// a reply.
func (ifn *Ifn) encryptAndSend(p *ifnPeer, s *session, pkt []byte) error {
	if s == p.sessions.next {
		ifn.promoteSession(p, s)
	}

	counter := s.sendCtr
	s.sendCtr++

	nonce := wgcrypto.CounterNonce(counter)
	ciphertext := s.send.Seal(nil, nonce[:], pkt, nil)

	hdr := wire.MessageTransportHeader{Type: wire.WGTypeTransport, Receiver: s.peerID, Counter: counter}
	raw, err := wire.MarshalWG(&hdr)
	if err != nil {
		return err
	}
	raw = append(raw, ciphertext...)
	p.sentBytes += uint64(len(pkt))

	if p.sock != nil {
		_, err := p.sock.Write(raw)
		return err
	}
	env := wire.WGDataEnvelope{IfnID: ifn.id, PeerID: p.id, Addr: config.SockAddrFromAddrPort(p.endpoint)}
	return ifn.proxy.SendRaw(wire.MsgWGData, &env, raw)
}

// installPeerSocket adopts a file descriptor proxy handed off via
// SCM_RIGHTS as the connected socket for m.PeerID's flow, replacing
// and closing whatever was pinned before, and starts a reader goroutine
// for it.
func (ifn *Ifn) installPeerSocket(m wire.ConnSock, f *os.File) error {
	if f == nil {
		return wire.Fatalf("ifn.installPeerSocket", "ConnSock for peer %d carried no descriptor", m.PeerID)
	}
	p, ok := ifn.peers[m.PeerID]
	if !ok {
		f.Close()
		return wire.Fatalf("ifn.installPeerSocket", "connsock for unknown peer %d", m.PeerID)
	}
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return wire.Recoverablef("ifn.installPeerSocket", "adopt flow socket for peer %d: %v", m.PeerID, err)
	}
	uc, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return wire.Recoverablef("ifn.installPeerSocket", "flow fd for peer %d is not a udp socket", m.PeerID)
	}
	if p.sock != nil {
		p.sock.Close()
	}
	p.sock = uc
	raddr := uc.RemoteAddr().(*net.UDPAddr).AddrPort()
	go ifn.readPeerSock(p.id, raddr, uc)
	return nil
}

// wireMsgType reads the little-endian type field every raw WireGuard
// message starts with, without knowing yet which struct it decodes to.
func wireMsgType(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// handleSockFrame classifies one raw datagram read straight off a
// pinned peer socket. Once a flow is pinned, the kernel routes every
// packet from that exact address to this socket, not just transport
// data: a peer re-keying at the same address:port sends its handshake
// initiation here too. Transport packets go to handleInboundTransport
// as before; a handshake message is verified against ifn's own
// CookieChecker and relayed to the enclave directly, exactly like proxy
// classifies and relays the same message types off its shared listen
// socket.
func (ifn *Ifn) handleSockFrame(peerID uint32, addr netip.AddrPort, raw []byte) error {
	mt, ok := wireMsgType(raw)
	if !ok {
		return wire.Recoverablef("ifn.handleSockFrame", "short packet from peer %d", peerID)
	}
	switch mt {
	case wire.WGTypeInitiation:
		if len(raw) != wire.WGMessageInitiationSize || !ifn.checker.CheckMAC1(raw) {
			return nil
		}
		var msg wire.MessageInitiation
		if err := wire.UnmarshalWG(raw, &msg); err != nil {
			return nil
		}
		env := wire.WGInitEnvelope{IfnID: ifn.id, Addr: config.SockAddrFromAddrPort(addr), Pinned: true, PinnedPeer: peerID, Msg: msg}
		return ifn.enclave.Send(wire.MsgWGInit, &env)
	case wire.WGTypeResponse:
		if len(raw) != wire.WGMessageResponseSize || !ifn.checker.CheckMAC1(raw) {
			return nil
		}
		var msg wire.MessageResponse
		if err := wire.UnmarshalWG(raw, &msg); err != nil {
			return nil
		}
		env := wire.WGRespEnvelope{IfnID: ifn.id, Addr: config.SockAddrFromAddrPort(addr), Pinned: true, PinnedPeer: peerID, Msg: msg}
		return ifn.enclave.Send(wire.MsgWGResp, &env)
	case wire.WGTypeCookieReply:
		if len(raw) != wire.WGMessageCookieReplySize {
			return nil
		}
		var msg wire.MessageCookieReply
		if err := wire.UnmarshalWG(raw, &msg); err != nil {
			return nil
		}
		// The enclave never holds a cookie; proxy runs this peer's
		// CookieGenerator, so a reply landing on the pinned socket goes
		// back to proxy instead.
		env := wire.WGCookieEnvelope{IfnID: ifn.id, Addr: config.SockAddrFromAddrPort(addr), Msg: msg}
		return ifn.proxy.Send(wire.MsgWGCookie, &env)
	case wire.WGTypeTransport:
		return ifn.handleInboundTransport(addr, raw)
	default:
		return nil
	}
}

// handleInboundTransport decrypts one raw WireGuard transport datagram
// (16-byte header plus ciphertext), regardless of whether it arrived
// relayed through proxy or straight off a pinned peer socket, and
// writes the plaintext to the tunnel device.
func (ifn *Ifn) handleInboundTransport(addr netip.AddrPort, raw []byte) error {
	if len(raw) < wire.WGMessageTransportHdrSz {
		return wire.Recoverablef("ifn.handleInboundTransport", "short transport packet")
	}
	var hdr wire.MessageTransportHeader
	if err := wire.UnmarshalWG(raw[:wire.WGMessageTransportHdrSz], &hdr); err != nil {
		return wire.Recoverablef("ifn.handleInboundTransport", "bad transport header: %v", err)
	}

	peerID, ok := ifn.bySession[hdr.Receiver]
	if !ok {
		return wire.Recoverablef("ifn.handleInboundTransport", "data for unknown session %d", hdr.Receiver)
	}
	p, ok := ifn.peers[peerID]
	if !ok {
		return wire.Recoverablef("ifn.handleInboundTransport", "data for unregistered peer %d", peerID)
	}
	s := p.sessions.find(hdr.Receiver)
	if s == nil {
		return wire.Recoverablef("ifn.handleInboundTransport", "session %d not live for peer %d", hdr.Receiver, peerID)
	}
	if !s.recvFilter.ValidateCounter(hdr.Counter, rejectAfterMessages) {
		return wire.Recoverablef("ifn.handleInboundTransport", "replayed or too-old counter from peer %d", peerID)
	}

	nonce := wgcrypto.CounterNonce(hdr.Counter)
	ciphertext := raw[wire.WGMessageTransportHdrSz:]
	plaintext, err := s.recv.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return wire.Recoverablef("ifn.handleInboundTransport", "decrypt failed for peer %d: %v", peerID, err)
	}
	if s == p.sessions.next {
		ifn.promoteSession(p, s)
	}

	p.recvBytes += uint64(len(plaintext))
	if addr.IsValid() {
		p.endpoint = addr
		p.hasEndpoint = true
	}

	if len(plaintext) == 0 {
		return nil // keepalive
	}

	src, ok := packetSrcAddr(plaintext)
	if !ok {
		return wire.Recoverablef("ifn.handleInboundTransport", "unparseable inner packet from peer %d", peerID)
	}
	if ref, ok := ifn.routes.Lookup(src); !ok || uint32(ref) != peerID {
		ifn.log.Warn("ifn: dropped inbound packet with out-of-range source", "peer", peerID, "src", src)
		return nil
	}

	return ifn.dev.WritePacket(plaintext)
}

// promoteSession confirms a peer's tentative next keypair the moment
// its first authenticated packet, outbound or inbound, uses it.
func (ifn *Ifn) promoteSession(p *ifnPeer, s *session) {
	if evicted := p.sessions.promote(); evicted != nil {
		ifn.destroySession(p, evicted)
	}
	ifn.proxy.Send(wire.MsgSessID, &wire.SessID{IfnID: ifn.id, PeerID: p.id, SessID: s.id, Type: wire.SessIDCurrent})
}

// packetDstAddr reads the destination address out of a raw IPv4 or
// IPv6 packet without a full parse.
func packetDstAddr(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		var b [4]byte
		copy(b[:], pkt[16:20])
		return netip.AddrFrom4(b), true
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		var b [16]byte
		copy(b[:], pkt[24:40])
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

// packetSrcAddr reads the source address out of a raw IPv4 or IPv6
// packet without a full parse, the inbound counterpart of
// packetDstAddr: used to check a decrypted packet's inner source
// against the sending peer's allowed-ips before it ever reaches the
// tunnel device.
func packetSrcAddr(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		var b [4]byte
		copy(b[:], pkt[12:16])
		return netip.AddrFrom4(b), true
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		var b [16]byte
		copy(b[:], pkt[8:24])
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

