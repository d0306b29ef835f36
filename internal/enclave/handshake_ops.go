// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package enclave

import (
	"time"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/wgcrypto"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// handleReqWGInit answers an ifn's request to start a handshake to one
// of its peers: build a type-1 message, remember the attempt under its
// local index, and hand the message to proxy addressed at the peer's
// last known endpoint.
func (e *Enclave) handleReqWGInit(m wire.ReqWGInit) error {
	id, ok := e.identities[m.IfnID]
	if !ok {
		return wire.Recoverablef("enclave.handleReqWGInit", "unknown ifn %d", m.IfnID)
	}
	ps, ok := id.Peers[m.PeerID]
	if !ok {
		return wire.Recoverablef("enclave.handleReqWGInit", "unknown peer %d", m.PeerID)
	}
	if !ps.HasEndpoint {
		return wire.Recoverablef("enclave.handleReqWGInit", "peer %d has no known endpoint yet", m.PeerID)
	}
	if ps.attempt == attemptInitSent {
		// Already trying this peer; ifn's request is a nudge, not a
		// mandate to start a second, competing attempt.
		return nil
	}

	hs, msg, err := wgcrypto.CreateInitiation(id.PrivateKey, id.PublicKey, ps.PublicKey, ps.PSK)
	if err != nil {
		return err
	}

	raw, err := wire.MarshalWG(msg)
	if err != nil {
		return err
	}
	wgcrypto.AddMAC1(raw, ps.mac1Key)
	if err := wire.UnmarshalWG(raw, msg); err != nil {
		return err
	}

	e.pending[hs.LocalIndex] = &pendingHandshake{ifnID: m.IfnID, peerID: m.PeerID, hs: hs, created: time.Now()}
	ps.attempt = attemptInitSent
	ps.attemptIndex = hs.LocalIndex

	env := wire.WGInitEnvelope{IfnID: m.IfnID, Addr: config.SockAddrFromAddrPort(ps.Endpoint), PeerID: ps.ID, Msg: *msg}
	return e.proxy.conn.Send(wire.MsgWGInit, &env)
}

// handleWGInit processes an inbound type-1 message forwarded by proxy
// or, once a flow is pinned, delivered straight from the owning ifn.
// fromIfn distinguishes the two: only proxy's shared listen socket is
// unauthenticated by pinning, so only that path is rate limited and
// only that path pins a fresh flow socket. When env.Pinned is also set
// (always true on the ifn path), the decrypted identity is required to
// match env.PinnedPeer, closing off a cross-peer hijack where a valid
// handshake for peer B arrives on peer A's dedicated socket.
func (e *Enclave) handleWGInit(env wire.WGInitEnvelope, fromIfn bool) error {
	id, ok := e.identities[env.IfnID]
	if !ok {
		return wire.Recoverablef("enclave.handleWGInit", "unknown ifn %d", env.IfnID)
	}

	raw, err := wire.MarshalWG(&env.Msg)
	if err != nil {
		return err
	}
	if !id.Checker.CheckMAC1(raw) {
		return wire.Recoverablef("enclave.handleWGInit", "bad MAC1 from %v", env.Addr)
	}
	pinned := fromIfn && env.Pinned
	if !pinned && !e.limiter.Allow(config.AddrPortFromSockAddr(env.Addr).Addr()) {
		return nil
	}

	hs, err := wgcrypto.ConsumeInitiation(id.PrivateKey, id.PublicKey, &env.Msg)
	if err != nil {
		return wire.Recoverablef("enclave.handleWGInit", "%v", err)
	}
	ps, ok := id.PeerByKey(hs.RemoteStatic)
	if !ok {
		return wire.Recoverablef("enclave.handleWGInit", "initiation from unconfigured key")
	}
	if pinned && ps.ID != env.PinnedPeer {
		return wire.Recoverablef("enclave.handleWGInit", "peer %d identity on socket pinned to peer %d", ps.ID, env.PinnedPeer)
	}
	if !wgcrypto.CheckReplay(ps.LastTimestamp, hs.LastTimestamp) {
		return wire.Recoverablef("enclave.handleWGInit", "stale or replayed timestamp from peer %d", ps.ID)
	}

	resp, recvKey, sendKey, err := wgcrypto.CreateResponse(hs, ps.PSK)
	if err != nil {
		return err
	}

	respRaw, err := wire.MarshalWG(resp)
	if err != nil {
		return err
	}
	wgcrypto.AddMAC1(respRaw, ps.mac1Key)
	if err := wire.UnmarshalWG(respRaw, resp); err != nil {
		return err
	}

	ps.LastTimestamp = hs.LastTimestamp
	ps.LastHandshake = time.Now()
	ps.Endpoint = config.AddrPortFromSockAddr(env.Addr)
	ps.HasEndpoint = true

	respEnv := wire.WGRespEnvelope{IfnID: env.IfnID, Addr: env.Addr, PeerID: ps.ID, Msg: *resp}
	if err := e.proxy.conn.Send(wire.MsgWGResp, &respEnv); err != nil {
		return err
	}
	if !pinned {
		if err := e.notifyFlow(env.IfnID, ps.ID, env.Addr); err != nil {
			return err
		}
	}

	keys := wire.SessKeys{
		IfnID:      env.IfnID,
		PeerID:     ps.ID,
		SessID:     hs.LocalIndex,
		PeerSessID: hs.RemoteIndex,
		SendKey:    sendKey,
		RecvKey:    recvKey,
		Responder:  true,
	}
	hs.Zero()
	err = e.sendSessKeys(env.IfnID, &keys)
	keys.Zero()
	return err
}

// handleWGResp completes a self-initiated attempt against the pending
// handshake stored under the response's receiver index. fromIfn/Pinned
// carry the same meaning as in handleWGInit.
func (e *Enclave) handleWGResp(env wire.WGRespEnvelope, fromIfn bool) error {
	id, ok := e.identities[env.IfnID]
	if !ok {
		return wire.Recoverablef("enclave.handleWGResp", "unknown ifn %d", env.IfnID)
	}
	raw, err := wire.MarshalWG(&env.Msg)
	if err != nil {
		return err
	}
	if !id.Checker.CheckMAC1(raw) {
		return wire.Recoverablef("enclave.handleWGResp", "bad MAC1 from %v", env.Addr)
	}
	pinned := fromIfn && env.Pinned

	p, ok := e.pending[env.Msg.Receiver]
	if !ok {
		return wire.Recoverablef("enclave.handleWGResp", "response to unknown index %d", env.Msg.Receiver)
	}
	ps, ok := id.Peers[p.peerID]
	if !ok {
		delete(e.pending, env.Msg.Receiver)
		return wire.Recoverablef("enclave.handleWGResp", "pending attempt for unknown peer %d", p.peerID)
	}
	if pinned && ps.ID != env.PinnedPeer {
		return wire.Recoverablef("enclave.handleWGResp", "peer %d identity on socket pinned to peer %d", ps.ID, env.PinnedPeer)
	}

	sendKey, recvKey, err := wgcrypto.ConsumeResponse(p.hs, id.PrivateKey, &env.Msg, ps.PSK)
	if err != nil {
		delete(e.pending, env.Msg.Receiver)
		ps.attempt = attemptIdle
		return wire.Recoverablef("enclave.handleWGResp", "%v", err)
	}

	ps.LastHandshake = time.Now()
	ps.Endpoint = config.AddrPortFromSockAddr(env.Addr)
	ps.HasEndpoint = true
	ps.attempt = attemptIdle
	ps.attemptIndex = 0

	if !pinned {
		if err := e.notifyFlow(env.IfnID, ps.ID, env.Addr); err != nil {
			return err
		}
	}

	keys := wire.SessKeys{
		IfnID:      env.IfnID,
		PeerID:     ps.ID,
		SessID:     p.hs.LocalIndex,
		PeerSessID: p.hs.RemoteIndex,
		SendKey:    sendKey,
		RecvKey:    recvKey,
		Responder:  false,
	}
	p.hs.Zero()
	delete(e.pending, env.Msg.Receiver)
	err = e.sendSessKeys(env.IfnID, &keys)
	keys.Zero()
	return err
}

// notifyFlow tells proxy (and the owning ifn) that a peer's traffic
// should now be pinned to a connected socket addressed at remote: the
// handshake that just completed proves that address is live.
func (e *Enclave) notifyFlow(ifnID, peerID uint32, remote wire.SockAddr) error {
	req := wire.ConnReq{IfnID: ifnID, PeerID: peerID, Remote: remote}
	if err := e.proxy.conn.Send(wire.MsgConnReq, &req); err != nil {
		return err
	}
	if l, ok := e.ifns[ifnID]; ok {
		if err := l.conn.Send(wire.MsgConnReq, &req); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enclave) sendSessKeys(ifnID uint32, keys *wire.SessKeys) error {
	l, ok := e.ifns[ifnID]
	if !ok {
		return wire.Recoverablef("enclave.sendSessKeys", "no ifn channel for interface %d", ifnID)
	}
	return l.conn.Send(wire.MsgSessKeys, keys)
}
