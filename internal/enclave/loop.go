// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package enclave

import (
	"context"
	"log/slog"
	"time"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/ratelimit"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// handshakeAttemptTimeout bounds how long a self-initiated attempt
// stays pending before the slot is reclaimed.
const handshakeAttemptTimeout = 5 * time.Second

// MsgReqWGInit is not rate limited here: limiter below gates only
// inbound handshake messages, per source IP, and the only spacing on
// an ifn's handshake requests is ifn's own per-peer RekeyTimeout. The
// two mechanisms are independent of each other.

// link is one framed channel the loop multiplexes over, tagged with
// which role it plays so dispatch knows how to interpret a message.
type link struct {
	name string
	conn *wire.Conn
	out  chan<- error
}

type inbound struct {
	link    *link
	mtcode  byte
	payload []byte
	err     error
}

// Enclave owns every interface's long-term key material and drives
// the Noise handshake on their behalf, signing its handshake messages
// with MAC1 only; cookies and MAC2 are left to proxy. It never sees a
// transport data packet or a decrypted payload.
type Enclave struct {
	log        *slog.Logger
	identities map[uint32]*Identity
	pending    map[uint32]*pendingHandshake // localIndex -> attempt

	proxy *link
	ifns  map[uint32]*link

	limiter *ratelimit.Limiter

	inCh chan inbound
}

// New builds an Enclave ready to have interfaces configured onto it
// via AddIfn before Run starts the event loop.
func New(log *slog.Logger, proxyConn *wire.Conn) *Enclave {
	if log == nil {
		log = slog.Default()
	}
	e := &Enclave{
		log:        log,
		identities: make(map[uint32]*Identity),
		pending:    make(map[uint32]*pendingHandshake),
		ifns:       make(map[uint32]*link),
		limiter:    ratelimit.NewLimiter(),
		inCh:       make(chan inbound, 64),
	}
	e.proxy = e.addLink("proxy", proxyConn)
	return e
}

func (e *Enclave) addLink(name string, conn *wire.Conn) *link {
	l := &link{name: name, conn: conn}
	go e.readLoop(l)
	return l
}

// readLoop is the dumb I/O-only goroutine feeding the shared inbound
// channel; all state lives in the Run goroutine, never here.
func (e *Enclave) readLoop(l *link) {
	for {
		mtcode, payload, err := l.conn.Recv()
		e.inCh <- inbound{link: l, mtcode: mtcode, payload: payload, err: err}
		if err != nil {
			return
		}
	}
}

// AddIfn registers an interface's identity from its decoded SIfn/SPeer
// startup messages and wires up its ifn channel.
func (e *Enclave) AddIfn(ifnConn *wire.Conn, iface config.Interface) error {
	id, err := NewIdentity(iface.ID, iface.PrivateKey)
	if err != nil {
		return err
	}
	for _, p := range iface.Peers {
		ps := id.AddPeer(p.ID, p.PublicKey, p.PresharedKey)
		if p.Endpoint.IsValid() {
			ps.Endpoint = p.Endpoint
			ps.HasEndpoint = true
		}
	}
	e.identities[iface.ID] = id
	e.ifns[iface.ID] = e.addLink("ifn", ifnConn)
	return nil
}

// Run drives the event loop until ctx is cancelled or a link's reader
// reports a fatal error.
func (e *Enclave) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-e.inCh:
			if in.err != nil {
				if wire.IsFatal(in.err) {
					return in.err
				}
				continue
			}
			if err := e.dispatch(in.link, in.mtcode, in.payload); err != nil {
				if wire.IsFatal(err) {
					return err
				}
				e.log.Warn("enclave: recoverable protocol error", "err", err, "link", in.link.name)
			}
		case <-ticker.C:
			e.reapStaleAttempts()
		}
	}
}

func (e *Enclave) reapStaleAttempts() {
	now := time.Now()
	for idx, p := range e.pending {
		if now.Sub(p.created) > handshakeAttemptTimeout {
			p.hs.Zero()
			delete(e.pending, idx)
			if id, ok := e.identities[p.ifnID]; ok {
				if ps, ok := id.Peers[p.peerID]; ok {
					ps.attempt = attemptIdle
					ps.attemptIndex = 0
				}
			}
		}
	}
}

func (e *Enclave) dispatch(l *link, mtcode byte, payload []byte) error {
	switch mtcode {
	case wire.MsgReqWGInit:
		var m wire.ReqWGInit
		if err := wire.Decode(payload, &m); err != nil {
			return err
		}
		return e.handleReqWGInit(m)
	case wire.MsgWGInit:
		var env wire.WGInitEnvelope
		if err := wire.Decode(payload, &env); err != nil {
			return err
		}
		return e.handleWGInit(env, l.name == "ifn")
	case wire.MsgWGResp:
		var env wire.WGRespEnvelope
		if err := wire.Decode(payload, &env); err != nil {
			return err
		}
		return e.handleWGResp(env, l.name == "ifn")
	default:
		return wire.Recoverablef("enclave.dispatch", "unhandled message type %d from %s", mtcode, l.name)
	}
}

