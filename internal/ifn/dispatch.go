// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package ifn

import (
	"os"
	"time"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// handleProxyMsg processes one message arriving on the proxy channel:
// either a transport data envelope relayed because no socket has been
// pinned for that flow yet, or a ConnSock handing ifn a freshly pinned
// socket to drive directly from now on.
func (ifn *Ifn) handleProxyMsg(mtcode byte, payload []byte, file *os.File) error {
	switch mtcode {
	case wire.MsgWGData:
		if file != nil {
			file.Close()
		}
		var env wire.WGDataEnvelope
		tail, err := wire.DecodeHeader(payload, &env)
		if err != nil {
			return err
		}
		return ifn.handleInboundTransport(config.AddrPortFromSockAddr(env.Addr), tail)
	case wire.MsgConnSock:
		var m wire.ConnSock
		if err := wire.Decode(payload, &m); err != nil {
			if file != nil {
				file.Close()
			}
			return err
		}
		return ifn.installPeerSocket(m, file)
	default:
		if file != nil {
			file.Close()
		}
		return wire.Fatalf("ifn.handleProxyMsg", "unexpected message type %d from proxy", mtcode)
	}
}

// handleEnclaveMsg processes control messages from the enclave: fresh
// session keys, and flow/endpoint updates mirrored from proxy.
func (ifn *Ifn) handleEnclaveMsg(mtcode byte, payload []byte) error {
	switch mtcode {
	case wire.MsgSessKeys:
		var keys wire.SessKeys
		if err := wire.Decode(payload, &keys); err != nil {
			return err
		}
		defer keys.Zero()
		return ifn.installSessKeys(&keys)
	case wire.MsgConnReq:
		var m wire.ConnReq
		if err := wire.Decode(payload, &m); err != nil {
			return err
		}
		p, ok := ifn.peers[m.PeerID]
		if !ok {
			return wire.Fatalf("ifn.handleEnclaveMsg", "connreq for unknown peer %d", m.PeerID)
		}
		p.endpoint = config.AddrPortFromSockAddr(m.Remote)
		p.hasEndpoint = true
		return nil
	default:
		return wire.Fatalf("ifn.handleEnclaveMsg", "unexpected message type %d from enclave", mtcode)
	}
}

func (ifn *Ifn) installSessKeys(keys *wire.SessKeys) error {
	p, ok := ifn.peers[keys.PeerID]
	if !ok {
		return wire.Fatalf("ifn.installSessKeys", "sesskeys for unknown peer %d", keys.PeerID)
	}
	s, err := newSession(keys)
	if err != nil {
		return err
	}

	if evicted := p.sessions.install(s); evicted != nil {
		delete(ifn.bySession, evicted.id)
		ifn.proxy.Send(wire.MsgSessID, &wire.SessID{IfnID: ifn.id, PeerID: p.id, SessID: evicted.id, Type: wire.SessIDDestroy})
	}
	ifn.bySession[s.id] = p.id
	p.lastHandshake = time.Now()
	ifn.proxy.Send(wire.MsgSessID, &wire.SessID{IfnID: ifn.id, PeerID: p.id, SessID: s.id, Type: wire.SessIDTentative})

	for _, pkt := range p.queue.drain() {
		sendS := p.sessions.sendable()
		if sendS == nil {
			ifn.log.Warn("ifn: dropped queued packet, no usable session", "peer", p.id)
			continue
		}
		if err := ifn.encryptAndSend(p, sendS, pkt); err != nil {
			ifn.log.Warn("ifn: failed to flush queued packet", "peer", p.id, "err", err)
		}
	}
	return nil
}
