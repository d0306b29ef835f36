// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package config

import (
	"github.com/tkuijsten/wiresep/internal/wire"
)

// phase tracks where in the strict SINIT/SIFN/SPEER/SCIDRADDR/SEOS
// ordering the stream currently is. Any message that doesn't fit the
// phase the stream is in is a fatal protocol error: this channel is
// only ever driven by master, and master violating its own protocol
// means something is badly wrong, not that an untrusted peer sent
// garbage.
type phase int

const (
	phaseWantSInit phase = iota
	phaseWantIfnOrEOS
	phaseWantIfnAddrs
	phaseWantPeerOrNextIfn
	phaseWantPeerAllowedIPs
	phaseDone
)

// Reader enforces the startup protocol's ordering on top of a raw
// wire.Conn: exactly one SInit, then for each interface one SIfn
// followed by its declared address count, then for each of its
// declared peers one SPeer followed by its declared allowed-ip count,
// then exactly one SEOS. It does not interpret payloads — callers
// decode with wire.Decode once Next confirms the message is in order.
type Reader struct {
	conn *wire.Conn

	ph            phase
	remainingAddrs uint32
	remainingPeers uint32
	remainingAllowed uint32
}

// NewReader wraps conn for startup-protocol decoding.
func NewReader(conn *wire.Conn) *Reader {
	return &Reader{conn: conn, ph: phaseWantSInit}
}

// ReadSInit reads and validates the mandatory first message.
func (r *Reader) ReadSInit() (*wire.SInit, error) {
	mtcode, payload, err := r.conn.Recv()
	if err != nil {
		return nil, err
	}
	if r.ph != phaseWantSInit || mtcode != wire.MsgSInit {
		return nil, wire.Fatalf("config.Reader", "expected SINIT, got type %d in phase %d", mtcode, r.ph)
	}
	var m wire.SInit
	if err := wire.Decode(payload, &m); err != nil {
		return nil, err
	}
	r.ph = phaseWantIfnOrEOS
	return &m, nil
}

// ReadSIfn reads the next interface introduction, or reports done=true
// if SEOS was seen instead (meaning there are no more interfaces).
func (r *Reader) ReadSIfn() (m *wire.SIfn, done bool, err error) {
	if r.ph != phaseWantIfnOrEOS {
		return nil, false, wire.Fatalf("config.Reader", "ReadSIfn called out of sequence, phase %d", r.ph)
	}
	mtcode, payload, err := r.conn.Recv()
	if err != nil {
		return nil, false, err
	}
	if mtcode == wire.MsgSEOS {
		r.ph = phaseDone
		return nil, true, nil
	}
	if mtcode != wire.MsgSIfn {
		return nil, false, wire.Fatalf("config.Reader", "expected SIFN or SEOS, got type %d", mtcode)
	}
	var sifn wire.SIfn
	if err := wire.Decode(payload, &sifn); err != nil {
		return nil, false, err
	}
	r.remainingAddrs = sifn.NumIfAddrs
	r.remainingPeers = sifn.NumPeers
	if r.remainingAddrs > 0 {
		r.ph = phaseWantIfnAddrs
	} else if r.remainingPeers > 0 {
		r.ph = phaseWantPeerOrNextIfn
	} else {
		r.ph = phaseWantIfnOrEOS
	}
	return &sifn, false, nil
}

// ReadIfnAddr reads one interface-address SCidrAddr belonging to the
// interface most recently returned by ReadSIfn.
func (r *Reader) ReadIfnAddr() (*wire.SCidrAddr, error) {
	if r.ph != phaseWantIfnAddrs || r.remainingAddrs == 0 {
		return nil, wire.Fatalf("config.Reader", "ReadIfnAddr called out of sequence, phase %d", r.ph)
	}
	mtcode, payload, err := r.conn.Recv()
	if err != nil {
		return nil, err
	}
	if mtcode != wire.MsgSCidrAddr {
		return nil, wire.Fatalf("config.Reader", "expected SCIDRADDR, got type %d", mtcode)
	}
	var m wire.SCidrAddr
	if err := wire.Decode(payload, &m); err != nil {
		return nil, err
	}
	r.remainingAddrs--
	if r.remainingAddrs == 0 {
		if r.remainingPeers > 0 {
			r.ph = phaseWantPeerOrNextIfn
		} else {
			r.ph = phaseWantIfnOrEOS
		}
	}
	return &m, nil
}

// ReadSPeer reads the next peer of the current interface, or reports
// done=true if there are no more peers for this interface (the stream
// has moved on to the next SIFN or to SEOS).
func (r *Reader) ReadSPeer() (m *wire.SPeer, done bool, err error) {
	if r.ph != phaseWantPeerOrNextIfn {
		if r.remainingPeers == 0 {
			return nil, true, nil
		}
		return nil, false, wire.Fatalf("config.Reader", "ReadSPeer called out of sequence, phase %d", r.ph)
	}
	mtcode, payload, err := r.conn.Recv()
	if err != nil {
		return nil, false, err
	}
	if mtcode != wire.MsgSPeer {
		return nil, false, wire.Fatalf("config.Reader", "expected SPEER, got type %d", mtcode)
	}
	var sp wire.SPeer
	if err := wire.Decode(payload, &sp); err != nil {
		return nil, false, err
	}
	r.remainingAllowed = sp.NumAllowed
	r.remainingPeers--
	if r.remainingAllowed > 0 {
		r.ph = phaseWantPeerAllowedIPs
	} else if r.remainingPeers > 0 {
		r.ph = phaseWantPeerOrNextIfn
	} else {
		r.ph = phaseWantIfnOrEOS
	}
	return &sp, false, nil
}

// ReadAllowedIP reads one allowed-ip SCidrAddr belonging to the peer
// most recently returned by ReadSPeer.
func (r *Reader) ReadAllowedIP() (*wire.SCidrAddr, error) {
	if r.ph != phaseWantPeerAllowedIPs || r.remainingAllowed == 0 {
		return nil, wire.Fatalf("config.Reader", "ReadAllowedIP called out of sequence, phase %d", r.ph)
	}
	mtcode, payload, err := r.conn.Recv()
	if err != nil {
		return nil, err
	}
	if mtcode != wire.MsgSCidrAddr {
		return nil, wire.Fatalf("config.Reader", "expected SCIDRADDR, got type %d", mtcode)
	}
	var m wire.SCidrAddr
	if err := wire.Decode(payload, &m); err != nil {
		return nil, err
	}
	r.remainingAllowed--
	if r.remainingAllowed == 0 {
		if r.remainingPeers > 0 {
			r.ph = phaseWantPeerOrNextIfn
		} else {
			r.ph = phaseWantIfnOrEOS
		}
	}
	return &m, nil
}

// Done reports whether SEOS has been consumed.
func (r *Reader) Done() bool {
	return r.ph == phaseDone
}
