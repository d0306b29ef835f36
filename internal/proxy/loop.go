// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package proxy

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// udpFrame is what a listen socket's dumb reader goroutine hands to
// the loop: a copy of one datagram and where it came from.
type udpFrame struct {
	ifnID uint32
	addr  netip.AddrPort
	data  []byte
	err   error
}

// ctlFrame is what an enclave or ifn Conn's reader goroutine hands to
// the loop. file is non-nil only for messages proxy itself sends with
// an attached descriptor; proxy never receives one back, but readCtl
// always uses RecvFile so a stray attachment isn't silently dropped by
// the kernel's cmsg-truncation behavior.
type ctlFrame struct {
	from    string // "enclave" or an ifn id string, only used in logs
	ifnID   uint32
	isIfn   bool
	mtcode  byte
	payload []byte
	file    *os.File
	err     error
}

// Proxy owns every UDP socket and demultiplexes both directions:
// Internet traffic classified and routed to enclave or ifn, and
// control/data traffic from enclave or ifn routed back out to the
// Internet.
type Proxy struct {
	log     *slog.Logger
	enclave *wire.Conn
	ifns    map[uint32]*ifnState

	udpCh chan udpFrame
	ctlCh chan ctlFrame
}

// New builds a Proxy. Interfaces are registered afterward with AddIfn
// before Run starts the event loop.
func New(log *slog.Logger, enclaveConn *wire.Conn) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	p := &Proxy{
		log:     log,
		enclave: enclaveConn,
		ifns:    make(map[uint32]*ifnState),
		udpCh:   make(chan udpFrame, 256),
		ctlCh:   make(chan ctlFrame, 64),
	}
	go p.readCtl(enclaveConn, "enclave", 0, false)
	return p
}

// AddIfn binds a UDP listen socket for one interface and registers its
// role-minimized MAC keys and its ifn-facing channel.
func (p *Proxy) AddIfn(ifnID uint32, listenAddr netip.AddrPort, mac1Key, cookieKey [32]byte, ifnConn *wire.Conn) error {
	sock, err := net.ListenUDP(udpNetwork(listenAddr.Addr()), net.UDPAddrFromAddrPort(listenAddr))
	if err != nil {
		return err
	}
	st, err := newIfnState(ifnID, mac1Key, cookieKey, listenAddr, sock, ifnConn)
	if err != nil {
		sock.Close()
		return err
	}
	p.ifns[ifnID] = st
	go p.readUDP(st)
	go p.readCtl(ifnConn, "ifn", ifnID, true)
	return nil
}

// AddPeer registers one peer's CookieGenerator on the interface ifnID
// was already added under.
func (p *Proxy) AddPeer(ifnID, peerID uint32, mac1Key, cookieKey [32]byte) error {
	st, ok := p.ifns[ifnID]
	if !ok {
		return wire.Fatalf("proxy.AddPeer", "unknown ifn %d", ifnID)
	}
	st.addPeer(peerID, mac1Key, cookieKey)
	return nil
}

func (p *Proxy) readUDP(st *ifnState) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := st.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			p.udpCh <- udpFrame{ifnID: st.id, err: err}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		p.udpCh <- udpFrame{ifnID: st.id, addr: addr, data: cp}
	}
}

func (p *Proxy) readCtl(conn *wire.Conn, from string, ifnID uint32, isIfn bool) {
	for {
		mt, payload, file, err := conn.RecvFile()
		p.ctlCh <- ctlFrame{from: from, ifnID: ifnID, isIfn: isIfn, mtcode: mt, payload: payload, file: file, err: err}
		if err != nil {
			return
		}
	}
}

// Run drives the event loop until ctx is cancelled or a channel's
// reader reports a fatal error.
func (p *Proxy) Run(ctx context.Context) error {
	defer func() {
		for _, st := range p.ifns {
			st.sock.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-p.udpCh:
			if f.err != nil {
				p.log.Warn("proxy: listen socket closed", "ifn", f.ifnID, "err", f.err)
				continue
			}
			if err := p.handleUDP(f); err != nil && wire.IsFatal(err) {
				return err
			}
		case f := <-p.ctlCh:
			if f.err != nil {
				if wire.IsFatal(f.err) {
					return f.err
				}
				continue
			}
			if err := p.dispatchCtl(f); err != nil {
				if wire.IsFatal(err) {
					return err
				}
				p.log.Warn("proxy: recoverable protocol error", "err", err)
			}
		}
	}
}

// wireMsgType reads the little-endian type field every raw WireGuard
// message starts with, without knowing yet which struct it decodes to.
func wireMsgType(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (p *Proxy) handleUDP(f udpFrame) error {
	st, ok := p.ifns[f.ifnID]
	if !ok {
		return nil
	}
	mt, ok := wireMsgType(f.data)
	if !ok {
		return nil
	}

	switch mt {
	case wire.WGTypeInitiation:
		if len(f.data) != wire.WGMessageInitiationSize || !st.checker.CheckMAC1(f.data) {
			return nil
		}
		var msg wire.MessageInitiation
		if err := wire.UnmarshalWG(f.data, &msg); err != nil {
			return nil
		}
		env := wire.WGInitEnvelope{IfnID: f.ifnID, Addr: config.SockAddrFromAddrPort(f.addr), Msg: msg}
		return p.enclave.Send(wire.MsgWGInit, &env)
	case wire.WGTypeResponse:
		if len(f.data) != wire.WGMessageResponseSize || !st.checker.CheckMAC1(f.data) {
			return nil
		}
		var msg wire.MessageResponse
		if err := wire.UnmarshalWG(f.data, &msg); err != nil {
			return nil
		}
		env := wire.WGRespEnvelope{IfnID: f.ifnID, Addr: config.SockAddrFromAddrPort(f.addr), Msg: msg}
		return p.enclave.Send(wire.MsgWGResp, &env)
	case wire.WGTypeCookieReply:
		if len(f.data) != wire.WGMessageCookieReplySize {
			return nil
		}
		var msg wire.MessageCookieReply
		if err := wire.UnmarshalWG(f.data, &msg); err != nil {
			return nil
		}
		// Cookie replies never reach the enclave: it never holds a
		// cookie or applies MAC2, so proxy's own CookieGenerator for
		// this peer consumes it directly.
		if err := st.consumeCookieReply(&msg); err != nil {
			return wire.Recoverablef("proxy.handleUDP", "%v", err)
		}
		return nil
	case wire.WGTypeTransport:
		if len(f.data) < wire.WGMessageTransportHdrSz {
			return nil
		}
		hdr := wire.MessageTransportHeader{}
		if err := wire.UnmarshalWG(f.data[:wire.WGMessageTransportHdrSz], &hdr); err != nil {
			return nil
		}
		if _, ok := st.sessions[hdr.Receiver]; !ok {
			// Unknown session: ifn will reject it anyway on its own
			// replay/session check, but there's no point forwarding
			// data for a session proxy has already been told is gone.
			return nil
		}
		env := wire.WGDataEnvelope{IfnID: f.ifnID, Addr: config.SockAddrFromAddrPort(f.addr)}
		return st.link.SendRaw(wire.MsgWGData, &env, f.data)
	default:
		return nil
	}
}

func (p *Proxy) dispatchCtl(f ctlFrame) error {
	if f.file != nil {
		// Nothing proxy currently receives carries an attached fd;
		// don't leak it if one shows up.
		f.file.Close()
	}
	if f.isIfn {
		return p.dispatchFromIfn(f)
	}
	return p.dispatchFromEnclave(f)
}

func (p *Proxy) dispatchFromEnclave(f ctlFrame) error {
	switch f.mtcode {
	case wire.MsgWGInit:
		var env wire.WGInitEnvelope
		if err := wire.Decode(f.payload, &env); err != nil {
			return err
		}
		raw, err := wire.MarshalWG(&env.Msg)
		if err != nil {
			return err
		}
		if st, ok := p.ifns[env.IfnID]; ok {
			st.applyOutboundMacs(env.PeerID, env.Msg.Sender, raw)
		}
		return p.sendControl(env.IfnID, env.Addr, raw)
	case wire.MsgWGResp:
		var env wire.WGRespEnvelope
		if err := wire.Decode(f.payload, &env); err != nil {
			return err
		}
		raw, err := wire.MarshalWG(&env.Msg)
		if err != nil {
			return err
		}
		if st, ok := p.ifns[env.IfnID]; ok {
			st.applyOutboundMacs(env.PeerID, env.Msg.Sender, raw)
		}
		return p.sendControl(env.IfnID, env.Addr, raw)
	case wire.MsgConnReq:
		var m wire.ConnReq
		if err := wire.Decode(f.payload, &m); err != nil {
			return err
		}
		st, ok := p.ifns[m.IfnID]
		if !ok {
			return wire.Fatalf("proxy.dispatchFromEnclave", "connreq for unknown ifn %d", m.IfnID)
		}
		if err := st.pinFlow(m.PeerID, config.AddrPortFromSockAddr(m.Remote)); err != nil {
			// Not fatal: the peer's transport traffic keeps flowing
			// through the shared listen socket's relay path until the
			// next successful handshake retries the pin.
			return wire.Recoverablef("proxy.dispatchFromEnclave", "pinFlow for peer %d: %v", m.PeerID, err)
		}
		return nil
	default:
		return wire.Fatalf("proxy.dispatchFromEnclave", "unexpected message type %d from enclave", f.mtcode)
	}
}

func (p *Proxy) dispatchFromIfn(f ctlFrame) error {
	st, ok := p.ifns[f.ifnID]
	if !ok {
		return wire.Fatalf("proxy.dispatchFromIfn", "message from unregistered ifn %d", f.ifnID)
	}
	switch f.mtcode {
	case wire.MsgWGCookie:
		var env wire.WGCookieEnvelope
		if err := wire.Decode(f.payload, &env); err != nil {
			return err
		}
		// A cookie reply that arrived on a peer's pinned socket; still
		// proxy's own generator that needs to consume it.
		if err := st.consumeCookieReply(&env.Msg); err != nil {
			return wire.Recoverablef("proxy.dispatchFromIfn", "%v", err)
		}
		return nil
	case wire.MsgSessID:
		var m wire.SessID
		if err := wire.Decode(f.payload, &m); err != nil {
			return err
		}
		if m.Type == wire.SessIDDestroy {
			delete(st.sessions, m.SessID)
		} else {
			st.sessions[m.SessID] = m.PeerID
		}
		return nil
	case wire.MsgWGData:
		env := wire.WGDataEnvelope{}
		tail, err := wire.DecodeHeader(f.payload, &env)
		if err != nil {
			return err
		}
		// ifn only relays through here when it has no pinned socket of
		// its own yet; log which peer so a stuck pin is diagnosable.
		p.log.Debug("proxy: relaying transport datagram for unpinned flow", "ifn", env.IfnID, "peer", env.PeerID)
		return p.sendPeer(env.IfnID, env.Addr, tail)
	default:
		return wire.Fatalf("proxy.dispatchFromIfn", "unexpected message type %d from ifn %d", f.mtcode, f.ifnID)
	}
}

func (p *Proxy) sendControl(ifnID uint32, addr wire.SockAddr, raw []byte) error {
	st, ok := p.ifns[ifnID]
	if !ok {
		return wire.Fatalf("proxy.sendControl", "unknown ifn %d", ifnID)
	}
	return st.sendUnconnected(config.AddrPortFromSockAddr(addr), raw)
}

// sendPeer relays one transport datagram ifn couldn't send directly
// yet (no pinned socket installed, or a fresh flow that hasn't been
// pinned this handshake cycle) out the shared listen socket.
func (p *Proxy) sendPeer(ifnID uint32, addr wire.SockAddr, raw []byte) error {
	st, ok := p.ifns[ifnID]
	if !ok {
		return wire.Fatalf("proxy.sendPeer", "unknown ifn %d", ifnID)
	}
	return st.sendUnconnected(config.AddrPortFromSockAddr(addr), raw)
}

