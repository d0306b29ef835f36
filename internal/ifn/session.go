// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package ifn implements the process that owns a tunnel device and
// every transport session key: it turns plaintext packets from the
// TUN device into WireGuard transport messages and back, using
// keys the enclave hands it and addresses the proxy relays traffic
// through. It never sees a static or preshared key, and it never
// speaks the handshake itself.
package ifn

import (
	"time"

	"golang.zx2c4.com/wireguard/replay"

	"github.com/tkuijsten/wiresep/internal/wgcrypto"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// rejectAfterMessages bounds how many messages a single keypair may
// carry before it must be replaced, per the Noise transport limit.
const rejectAfterMessages = ^uint64(0) - (uint64(1) << 13)

// session is one transport keypair and everything needed to use it in
// either direction.
type session struct {
	id         uint32 // our receiver index, what a peer's packets address to us
	peerID     uint32 // their receiver index, what we address our packets to
	send       wgcrypto.AEAD
	recv       wgcrypto.AEAD
	sendCtr    uint64
	recvFilter replay.Filter
	responder  bool
	created    time.Time
}

func newSession(keys *wire.SessKeys) (*session, error) {
	send, err := wgcrypto.NewAEAD(keys.SendKey)
	if err != nil {
		return nil, err
	}
	recv, err := wgcrypto.NewAEAD(keys.RecvKey)
	if err != nil {
		return nil, err
	}
	return &session{
		id:        keys.SessID,
		peerID:    keys.PeerSessID,
		send:      send,
		recv:      recv,
		responder: keys.Responder,
		created:   time.Now(),
	}, nil
}

// expired reports whether this keypair has aged past the point it may
// still be used.
func (s *session) expired() bool {
	return time.Since(s.created) > RejectAfterTime || s.sendCtr >= rejectAfterMessages
}

// sessionSet is the 3-slot rotation ifn keeps per peer: current is what
// live traffic uses, previous stays alive briefly so packets already in
// flight when a rekey lands still decrypt, and next holds a freshly
// negotiated keypair that hasn't proven itself yet.
type sessionSet struct {
	current, previous, next *session
}

// install stages a freshly negotiated keypair into next, evicting
// whatever was staged there. Neither role promotes a brand-new keypair
// to current on the strength of MSGSESSKEYS alone: an initiator has a
// self-signed guarantee the handshake worked (it just validated the
// response), but the peer hasn't necessarily seen a packet on it yet,
// and a responder has even less assurance. The first authenticated
// transport packet in either direction is what actually confirms the
// peer has it too; see promote.
func (ss *sessionSet) install(s *session) (evicted *session) {
	evicted = ss.next
	ss.next = s
	return evicted
}

// promote confirms next the moment its first authenticated packet, sent
// or received, uses it: previous = current; current = next; next = nil.
// Whatever was in previous is evicted.
func (ss *sessionSet) promote() (evicted *session) {
	evicted = ss.previous
	ss.previous = ss.current
	ss.current = ss.next
	ss.next = nil
	return evicted
}

// sendable returns the session outbound packets should use right now:
// current if it's still live, otherwise next if one is staged and not
// yet expired, otherwise nil (caller must queue).
func (ss *sessionSet) sendable() *session {
	if ss.current != nil && !ss.current.expired() {
		return ss.current
	}
	if ss.next != nil && !ss.next.expired() {
		return ss.next
	}
	return nil
}

// find locates the session that owns receiver index id, across all
// three slots.
func (ss *sessionSet) find(id uint32) *session {
	switch {
	case ss.current != nil && ss.current.id == id:
		return ss.current
	case ss.previous != nil && ss.previous.id == id:
		return ss.previous
	case ss.next != nil && ss.next.id == id:
		return ss.next
	}
	return nil
}
