// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package enclave

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/wgcrypto"
	"github.com/tkuijsten/wiresep/internal/wire"
)

func mustKey(t *testing.T) wgcrypto.NoisePrivateKey {
	t.Helper()
	k, err := wgcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return k
}

func newConnPair(t *testing.T) (*wire.Conn, *wire.Conn) {
	t.Helper()
	af, bf, err := wire.NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	a, err := wire.NewConn(af)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	b, err := wire.NewConn(bf)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

// twoIdentityHarness wires two Enclave instances to each other's
// "proxy" end directly, standing in for a proxy that relays every
// handshake message it sees untouched.
type twoIdentityHarness struct {
	t          *testing.T
	a, b       *Enclave
	aIfn, bIfn *wire.Conn
	stop       context.CancelFunc
}

func setupHarness(t *testing.T) *twoIdentityHarness {
	t.Helper()

	aPriv, bPriv := mustKey(t), mustKey(t)
	aPub, bPub := aPriv.PublicKey(), bPriv.PublicKey()

	aProxySide, bridgeAtoB := newConnPair(t)
	bProxySide, bridgeBtoA := newConnPair(t)

	a := New(nil, aProxySide)
	b := New(nil, bProxySide)

	aIfnMaster, aIfnChild := newConnPair(t)
	bIfnMaster, bIfnChild := newConnPair(t)

	aEndpoint := netip.MustParseAddrPort("127.0.0.1:10001")
	bEndpoint := netip.MustParseAddrPort("127.0.0.1:10002")

	ifaceA := config.Interface{ID: 1, PrivateKey: aPriv, Peers: []config.Peer{
		{ID: 1, PublicKey: bPub, Endpoint: bEndpoint},
	}}
	ifaceB := config.Interface{ID: 1, PrivateKey: bPriv, Peers: []config.Peer{
		{ID: 1, PublicKey: aPub, Endpoint: aEndpoint},
	}}
	if err := a.AddIfn(aIfnChild, ifaceA); err != nil {
		t.Fatalf("a.AddIfn: %v", err)
	}
	if err := b.AddIfn(bIfnChild, ifaceB); err != nil {
		t.Fatalf("b.AddIfn: %v", err)
	}

	// Relay every envelope a's "proxy" link emits straight to b's
	// "proxy" link and vice versa, as an always-forward proxy would.
	relay := func(from, to *wire.Conn) {
		for {
			mt, payload, err := from.Recv()
			if err != nil {
				return
			}
			// Conn.Send re-encodes from a struct, so decode into the
			// matching envelope type before forwarding it on.
			switch mt {
			case wire.MsgWGInit:
				var env wire.WGInitEnvelope
				if wire.Decode(payload, &env) == nil {
					to.Send(wire.MsgWGInit, &env)
				}
			case wire.MsgWGResp:
				var env wire.WGRespEnvelope
				if wire.Decode(payload, &env) == nil {
					to.Send(wire.MsgWGResp, &env)
				}
			}
		}
	}
	go relay(bridgeAtoB, bridgeBtoA)
	go relay(bridgeBtoA, bridgeAtoB)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	go b.Run(ctx)

	return &twoIdentityHarness{t: t, a: a, b: b, aIfn: aIfnMaster, bIfn: bIfnMaster, stop: cancel}
}

func TestEnclaveCompletesHandshakeBothDirections(t *testing.T) {
	h := setupHarness(t)
	defer h.stop()

	if err := h.aIfn.Send(wire.MsgReqWGInit, &wire.ReqWGInit{IfnID: 1, PeerID: 1}); err != nil {
		t.Fatalf("Send ReqWGInit: %v", err)
	}

	recvSessKeys := func(conn *wire.Conn) wire.SessKeys {
		t.Helper()
		for {
			mt, payload, err := conn.Recv()
			if err != nil {
				t.Fatalf("recv: %v", err)
			}
			if mt == wire.MsgConnReq {
				continue // a flow-pin notice; SessKeys follows
			}
			if mt != wire.MsgSessKeys {
				t.Fatalf("expected MsgSessKeys, got %d", mt)
			}
			var keys wire.SessKeys
			if err := wire.Decode(payload, &keys); err != nil {
				t.Fatalf("decode keys: %v", err)
			}
			return keys
		}
	}

	aKeys := recvSessKeys(h.aIfn)
	bKeys := recvSessKeys(h.bIfn)

	if aKeys.SendKey != bKeys.RecvKey {
		t.Fatalf("a's send key does not match b's recv key")
	}
	if aKeys.RecvKey != bKeys.SendKey {
		t.Fatalf("a's recv key does not match b's send key")
	}
	if !aKeys.Responder && !bKeys.Responder {
		t.Fatalf("neither side considers itself the responder")
	}
	if aKeys.Responder == bKeys.Responder {
		t.Fatalf("both sides agree on the same responder role")
	}
}

// TestEnclaveRejectsCrossPeerHijackOnPinnedSocket exercises a peer
// pinned to socket 1 sending a handshake that actually decrypts to a
// different configured peer's identity: the enclave must reject it
// rather than complete a handshake under the wrong peer id.
func TestEnclaveRejectsCrossPeerHijackOnPinnedSocket(t *testing.T) {
	aPriv := mustKey(t)
	aPub := aPriv.PublicKey()
	peer1Priv, peer2Priv := mustKey(t), mustKey(t)
	peer1Pub, peer2Pub := peer1Priv.PublicKey(), peer2Priv.PublicKey()

	proxyA, _ := newConnPair(t)
	a := New(nil, proxyA)

	ifnMaster, ifnChild := newConnPair(t)
	iface := config.Interface{ID: 1, PrivateKey: aPriv, Peers: []config.Peer{
		{ID: 1, PublicKey: peer1Pub},
		{ID: 2, PublicKey: peer2Pub},
	}}
	if err := a.AddIfn(ifnChild, iface); err != nil {
		t.Fatalf("AddIfn: %v", err)
	}

	// peer2 builds a real initiation addressed to a.
	_, msg, err := wgcrypto.CreateInitiation(peer2Priv, peer2Pub, aPub, wgcrypto.NoisePresharedKey{})
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}
	raw, err := wire.MarshalWG(msg)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	wgcrypto.AddMAC1(raw, wgcrypto.DeriveMAC1Key(aPub))
	if err := wire.UnmarshalWG(raw, msg); err != nil {
		t.Fatalf("UnmarshalWG: %v", err)
	}

	// Tag it as arriving on the socket pinned to peer 1, as ifn would if
	// it had classified this on peer 1's dedicated connected socket.
	env := wire.WGInitEnvelope{
		IfnID: 1, Addr: config.SockAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:5555")),
		Pinned: true, PinnedPeer: 1, Msg: *msg,
	}
	if err := ifnMaster.Send(wire.MsgWGInit, &env); err != nil {
		t.Fatalf("Send WGInit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	done := make(chan struct{})
	go func() {
		ifnMaster.Recv()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("enclave accepted a handshake that decrypted to a peer other than the pinned one")
	case <-time.After(150 * time.Millisecond):
	}
}

// TestEnclavePinnedHandshakeSkipsFlowPin checks that a handshake
// arriving already pinned to a peer's own socket doesn't trigger a
// fresh MsgConnReq: the flow is pinned already, so re-pinning it would
// just churn a new connected socket for no reason.
func TestEnclavePinnedHandshakeSkipsFlowPin(t *testing.T) {
	aPriv := mustKey(t)
	aPub := aPriv.PublicKey()
	peerPriv := mustKey(t)
	peerPub := peerPriv.PublicKey()

	proxyA, _ := newConnPair(t)
	a := New(nil, proxyA)

	ifnMaster, ifnChild := newConnPair(t)
	iface := config.Interface{ID: 1, PrivateKey: aPriv, Peers: []config.Peer{
		{ID: 1, PublicKey: peerPub},
	}}
	if err := a.AddIfn(ifnChild, iface); err != nil {
		t.Fatalf("AddIfn: %v", err)
	}

	_, msg, err := wgcrypto.CreateInitiation(peerPriv, peerPub, aPub, wgcrypto.NoisePresharedKey{})
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}
	raw, err := wire.MarshalWG(msg)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	wgcrypto.AddMAC1(raw, wgcrypto.DeriveMAC1Key(aPub))
	if err := wire.UnmarshalWG(raw, msg); err != nil {
		t.Fatalf("UnmarshalWG: %v", err)
	}

	env := wire.WGInitEnvelope{
		IfnID: 1, Addr: config.SockAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:5555")),
		Pinned: true, PinnedPeer: 1, Msg: *msg,
	}
	if err := ifnMaster.Send(wire.MsgWGInit, &env); err != nil {
		t.Fatalf("Send WGInit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	mt, payload, err := ifnMaster.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if mt != wire.MsgSessKeys {
		t.Fatalf("expected MsgSessKeys with no preceding MsgConnReq for a pinned handshake, got %d", mt)
	}
	var keys wire.SessKeys
	if err := wire.Decode(payload, &keys); err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	if !keys.Responder {
		t.Fatalf("expected a's enclave to be the responder")
	}
}

func TestEnclaveRejectsHandshakeToUnknownPeer(t *testing.T) {
	h := setupHarness(t)
	defer h.stop()

	if err := h.aIfn.Send(wire.MsgReqWGInit, &wire.ReqWGInit{IfnID: 1, PeerID: 99}); err != nil {
		t.Fatalf("Send ReqWGInit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		h.aIfn.Recv()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("unexpected message for a request to an unknown peer")
	case <-time.After(150 * time.Millisecond):
	}
}
