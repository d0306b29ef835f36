// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package wire implements the framed message protocol used on every
// datagram channel in the runtime: the startup configuration protocol
// master speaks to each child, and the runtime protocol enclave, proxy
// and ifn speak to each other. Every message is a one-byte type code
// followed by a fixed-layout struct for that type; channels are
// AF_UNIX SOCK_DGRAM sockets, so framing is delimited by the socket
// itself and a short read is always an error.
package wire

import (
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// Message type codes, shared by the startup and runtime protocols.
// Numbering follows the order the runtime and startup messages are
// introduced below.
const (
	MsgNone = iota
	MsgWGInit
	MsgWGResp
	MsgWGCookie
	MsgWGData
	MsgConnReq
	MsgConnSock
	MsgSessID
	MsgSessKeys
	MsgReqWGInit
	MsgConnStat
	MsgSInit
	MsgSIfn
	MsgSPeer
	MsgSCidrAddr
	MsgSEOS
	numMsgTypes
)

// WireGuard on-the-wire protocol constants: the fixed message sizes
// and type codes the Noise_IKpsk2 handshake and transport format use.
const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32

	TimestampSize = 12

	WGMessageInitiationSize  = 148
	WGMessageResponseSize    = 92
	WGMessageCookieReplySize = 64
	WGMessageTransportHdrSz  = 16

	WGTypeInitiation  = 1
	WGTypeResponse    = 2
	WGTypeCookieReply = 3
	WGTypeTransport   = 4

	mac1Size   = blake2s.Size128
	aeadOh     = chacha20poly1305.Overhead
	nonceSizeX = chacha20poly1305.NonceSizeX
)

func init() {
	// Assert the fixed wire sizes at startup: these are normative, not
	// just convenience values, and drift here would be a silent
	// protocol break.
	if n := 4 + 4 + NoisePublicKeySize + (NoisePublicKeySize + aeadOh) +
		(TimestampSize + aeadOh) + mac1Size + mac1Size; n != WGMessageInitiationSize {
		panic("wire: MessageInitiation size assertion failed")
	}
	if n := 4 + 4 + 4 + NoisePublicKeySize + aeadOh + mac1Size + mac1Size; n != WGMessageResponseSize {
		panic("wire: MessageResponse size assertion failed")
	}
	if n := 4 + 4 + nonceSizeX + mac1Size + aeadOh; n != WGMessageCookieReplySize {
		panic("wire: MessageCookieReply size assertion failed")
	}
	if n := 4 + 4 + 8; n != WGMessageTransportHdrSz {
		panic("wire: MessageTransportHeader size assertion failed")
	}
}

// MessageInitiation is UDP wire type 1, exactly as it appears on the
// wire (148 bytes, little-endian). It is carried unmodified inside a
// MsgWGInit envelope between proxy/ifn and the enclave.
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral [NoisePublicKeySize]byte
	Static    [NoisePublicKeySize + aeadOh]byte
	Timestamp [TimestampSize + aeadOh]byte
	MAC1      [mac1Size]byte
	MAC2      [mac1Size]byte
}

// MessageResponse is UDP wire type 2, exactly as it appears on the wire
// (92 bytes, little-endian).
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral [NoisePublicKeySize]byte
	Empty     [aeadOh]byte
	MAC1      [mac1Size]byte
	MAC2      [mac1Size]byte
}

// MessageCookieReply is UDP wire type 3, exactly as it appears on the
// wire (64 bytes, little-endian).
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [nonceSizeX]byte
	Cookie   [mac1Size + aeadOh]byte
}

// MessageTransportHeader is the fixed 16-byte header prefixing every
// UDP wire type 4 datagram; ciphertext content follows immediately and
// is not part of this struct since its length is not fixed.
type MessageTransportHeader struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
}

// SockAddr is a compact, comparable stand-in for a UDP socket address,
// fixed-size so that the envelopes and startup messages carrying one
// can be marshaled with encoding/binary.
type SockAddr struct {
	IP   [16]byte // v4-mapped-in-v6 form for v4, native for v6
	Port uint16
	V6   bool
}

// ReqWGInit is sent ifn -> enclave: "start a handshake to this peer".
type ReqWGInit struct {
	IfnID  uint32
	PeerID uint32
}

// SessIDType is a session id's lifecycle announcement: which slot a
// session id now occupies, or that it has been destroyed. int32, not
// int, so it stays a fixed-size type encoding/binary can marshal
// directly.
type SessIDType int32

const (
	SessIDDestroy SessIDType = iota
	SessIDTentative
	SessIDNext
	SessIDCurrent
)

// SessID announces a session id's lifecycle transition. Ifn sends this
// to proxy every time a session slot changes, so proxy's session table
// (which attributes an inbound transport packet's receiver index to a
// peer without needing the enclave) stays current.
type SessID struct {
	IfnID  uint32
	PeerID uint32
	SessID uint32
	Type   SessIDType
}

// SessKeys is sent enclave -> ifn: freshly derived transport keys and
// the session ids that go with them. The enclave zeroizes its copy of
// SendKey/RecvKey immediately after this message is written to the
// wire; the ifn is the sole subsequent owner.
type SessKeys struct {
	IfnID      uint32
	PeerID     uint32
	SessID     uint32
	PeerSessID uint32
	SendKey    [NoisePrivateKeySize]byte
	RecvKey    [NoisePrivateKeySize]byte
	Responder  bool
}

// Zero overwrites the key material in-place. Callers must call this as
// soon as a SessKeys value has been handed off (written to a channel,
// installed into a session slot).
func (m *SessKeys) Zero() {
	for i := range m.SendKey {
		m.SendKey[i] = 0
	}
	for i := range m.RecvKey {
		m.RecvKey[i] = 0
	}
}

// ConnReq is sent enclave -> proxy (and mirrored to the owning ifn):
// "pin a connected socket to this flow". Local and Remote are exactly
// the local and foreign socket addresses of that flow.
type ConnReq struct {
	IfnID  uint32
	PeerID uint32
	Local  SockAddr
	Remote SockAddr
}

// ConnSock is sent proxy -> ifn alongside an SCM_RIGHTS-attached file
// descriptor (see Conn.SendFile/RecvFile): "here is the connected UDP
// socket for this peer's flow, drive it yourself from now on." It
// carries no address; the ifn reads that straight off the socket via
// RemoteAddr once it adopts the fd.
type ConnSock struct {
	IfnID  uint32
	PeerID uint32
}

// WGInitEnvelope carries one raw wire type-1 message across a
// proxy/ifn<->enclave channel, tagged with which interface it belongs
// to and the peer's address: inbound, Addr is where it came from;
// outbound (the enclave answering a MsgReqWGInit), Addr is where proxy
// should send it and PeerID names which peer's CookieGenerator proxy
// should apply before it goes out. PeerID is ignored on the inbound
// direction; classification there happens by decrypting Msg.
//
// Pinned/PinnedPeer are set only on the ifn->enclave direction, when
// this message arrived on a flow already pinned to a peer's own
// connected socket: Pinned is true and PinnedPeer names that peer, so
// the enclave can reject a decrypted identity that doesn't match the
// socket it arrived on (a cross-peer hijack) and can skip the rate
// limiting and flow-pinning that only make sense for the unauthenticated
// shared listen socket. Proxy's forwarding path leaves both zero.
type WGInitEnvelope struct {
	IfnID      uint32
	Addr       SockAddr
	PeerID     uint32
	Pinned     bool
	PinnedPeer uint32
	Msg        MessageInitiation
}

// WGRespEnvelope is the type-2 counterpart of WGInitEnvelope, with the
// same PeerID/Pinned/PinnedPeer meaning.
type WGRespEnvelope struct {
	IfnID      uint32
	Addr       SockAddr
	PeerID     uint32
	Pinned     bool
	PinnedPeer uint32
	Msg        MessageResponse
}

// WGCookieEnvelope carries one raw wire type-3 message proxy<->ifn:
// ifn forwards a cookie reply that arrived on a peer's pinned socket to
// proxy, since proxy is the one running that peer's CookieGenerator. It
// never reaches the enclave, which never holds a cookie.
type WGCookieEnvelope struct {
	IfnID uint32
	Addr  SockAddr
	Msg   MessageCookieReply
}

// WGDataEnvelope is the fixed header in front of a type-4 transport
// data envelope moved between proxy and ifn; the raw wire header and
// ciphertext follow as the datagram's variable-length tail (see
// Conn.SendRaw / DecodeHeader). Proxy and ifn are the only two
// processes that ever see this message type — it never touches the
// enclave.
type WGDataEnvelope struct {
	IfnID uint32
	// PeerID is set only ifn -> proxy (egress), when ifn falls back to
	// relaying through proxy because it has no pinned socket for this
	// flow yet; it's diagnostic only; the receiving process no longer
	// uses it for routing. Proxy -> ifn (ingress) leaves it zero;
	// attributing an inbound packet to a peer is ifn's job once it
	// looks up the receiver index.
	PeerID uint32
	Addr   SockAddr
}
