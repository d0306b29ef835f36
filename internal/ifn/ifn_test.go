// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package ifn

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/tun/tuntest"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/tun"
	"github.com/tkuijsten/wiresep/internal/wgcrypto"
	"github.com/tkuijsten/wiresep/internal/wire"
)

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

func newTestDevice(t *testing.T) *tun.Device {
	t.Helper()
	d, err := tun.Wrap(tuntest.NewChannelTUN().TUN())
	if err != nil {
		t.Fatalf("tun.Wrap: %v", err)
	}
	return d
}

// harness stands up one Ifn with its proxy/enclave channel ends
// exposed for a test to drive directly, standing in for the real proxy
// and enclave processes.
type harness struct {
	t       *testing.T
	ifn     *Ifn
	dev     *tun.Device
	proxy   *wire.Conn // test's end, mirrors what the real proxy process sees
	enclave *wire.Conn // test's end, mirrors what the real enclave process sees
	pub     wgcrypto.NoisePublicKey
	stop    context.CancelFunc
}

func setupHarness(t *testing.T, peerID uint32, allowed netip.Prefix) *harness {
	t.Helper()
	dev := newTestDevice(t)
	proxySelf, proxyPeer := newConnPair(t)
	enclaveSelf, enclavePeer := newConnPair(t)

	priv, err := wgcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	pub := priv.PublicKey()

	f, err := New(nil, 1, dev, wgcrypto.DeriveMAC1Key(pub), wgcrypto.DeriveCookieKey(pub), proxyPeer, enclavePeer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.AddPeer(config.Peer{
		ID:         peerID,
		AllowedIPs: []config.AllowedIP{{Prefix: allowed}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	h := &harness{t: t, ifn: f, dev: dev, proxy: proxySelf, enclave: enclaveSelf, pub: pub, stop: cancel}
	t.Cleanup(func() {
		cancel()
		dev.Close()
	})
	return h
}

func mustAEADKey(t *testing.T) [wire.NoisePrivateKeySize]byte {
	t.Helper()
	var k [wire.NoisePrivateKeySize]byte
	priv, err := wgcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	copy(k[:], priv[:])
	return k
}

func ipv4Packet(dst netip.Addr) []byte {
	pkt := make([]byte, 20)
	pkt[0] = 0x45
	d4 := dst.As4()
	copy(pkt[16:20], d4[:])
	return pkt
}

// ipv4PacketFrom builds a packet with src set, for building the
// plaintext of a simulated inbound decrypted packet: what a peer would
// have sent, with its own address as the source.
func ipv4PacketFrom(src netip.Addr) []byte {
	pkt := make([]byte, 20)
	pkt[0] = 0x45
	s4 := src.As4()
	copy(pkt[12:16], s4[:])
	return pkt
}

// TestOutboundQueuesUntilHandshake verifies that a packet destined for
// a peer with no live session gets queued and a handshake requested,
// rather than being sent (or dropped) immediately.
func TestOutboundQueuesUntilHandshake(t *testing.T) {
	dst := netip.MustParsePrefix("10.10.0.2/32")
	h := setupHarness(t, 7, dst)

	if err := h.dev.WritePacket(ipv4Packet(dst.Addr())); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	mt, payload, err := recvWithTimeout(t, h.enclave)
	if err != nil {
		t.Fatalf("recv from ifn: %v", err)
	}
	if mt != wire.MsgReqWGInit {
		t.Fatalf("mtcode = %d, want MsgReqWGInit", mt)
	}
	var req wire.ReqWGInit
	if err := wire.Decode(payload, &req); err != nil {
		t.Fatalf("decode ReqWGInit: %v", err)
	}
	if req.PeerID != 7 {
		t.Errorf("PeerID = %d, want 7", req.PeerID)
	}
}

// TestSessKeysInstallFlushesQueueAndAnnouncesSession verifies that
// installing fresh session keys flushes any packet queued while no
// session existed, and tells proxy which session id is now current.
func TestSessKeysInstallFlushesQueueAndAnnouncesSession(t *testing.T) {
	dst := netip.MustParsePrefix("10.10.0.2/32")
	h := setupHarness(t, 7, dst)

	if err := h.dev.WritePacket(ipv4Packet(dst.Addr())); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if _, _, err := recvWithTimeout(t, h.enclave); err != nil {
		t.Fatalf("draining ReqWGInit: %v", err)
	}

	keys := wire.SessKeys{
		IfnID: 1, PeerID: 7, SessID: 100, PeerSessID: 200,
		SendKey: mustAEADKey(t), RecvKey: mustAEADKey(t),
		Responder: true,
	}
	if err := h.enclave.Send(wire.MsgSessKeys, &keys); err != nil {
		t.Fatalf("send SessKeys: %v", err)
	}

	// Installing MSGSESSKEYS stages the new keypair into next and
	// announces it tentative — it isn't current until something actually
	// uses it.
	mt, payload, err := recvWithTimeout(t, h.proxy)
	if err != nil {
		t.Fatalf("recv session announcement: %v", err)
	}
	if mt != wire.MsgSessID {
		t.Fatalf("mtcode = %d, want MsgSessID", mt)
	}
	var ann wire.SessID
	if err := wire.Decode(payload, &ann); err != nil {
		t.Fatalf("decode SessID: %v", err)
	}
	if ann.SessID != 100 || ann.Type != wire.SessIDTentative {
		t.Errorf("SessID announcement = %+v, want SessID 100 / Tentative", ann)
	}

	// Flushing the queued packet is the first authenticated (outbound)
	// use of the tentative session, which promotes it to current and
	// announces that transition too.
	mt, payload, err = recvWithTimeout(t, h.proxy)
	if err != nil {
		t.Fatalf("recv promotion announcement: %v", err)
	}
	if mt != wire.MsgSessID {
		t.Fatalf("mtcode = %d, want MsgSessID", mt)
	}
	if err := wire.Decode(payload, &ann); err != nil {
		t.Fatalf("decode SessID: %v", err)
	}
	if ann.SessID != 100 || ann.Type != wire.SessIDCurrent {
		t.Errorf("SessID announcement = %+v, want SessID 100 / Current", ann)
	}

	mt, _, err = recvWithTimeout(t, h.proxy)
	if err != nil {
		t.Fatalf("recv flushed data: %v", err)
	}
	if mt != wire.MsgWGData {
		t.Fatalf("mtcode = %d, want MsgWGData (flushed queued packet)", mt)
	}
}

// TestInboundTransportWritesToDevice verifies that a valid transport
// packet arriving from proxy is decrypted and written to the tunnel
// device.
func TestInboundTransportWritesToDevice(t *testing.T) {
	dst := netip.MustParsePrefix("10.10.0.2/32")
	h := setupHarness(t, 7, dst)

	sendKey := mustAEADKey(t)
	recvKey := mustAEADKey(t)
	keys := wire.SessKeys{
		IfnID: 1, PeerID: 7, SessID: 100, PeerSessID: 200,
		SendKey: recvKey, RecvKey: sendKey, // ifn's recv == the peer's send
		Responder: true,
	}
	if err := h.enclave.Send(wire.MsgSessKeys, &keys); err != nil {
		t.Fatalf("send SessKeys: %v", err)
	}
	if _, _, err := recvWithTimeout(t, h.proxy); err != nil { // SessID announcement
		t.Fatalf("draining SessID: %v", err)
	}

	aead, err := wgcrypto.NewAEAD(sendKey)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	// The decrypted packet's source is the peer's own allowed-ip: what
	// the peer would actually have sent.
	plaintext := ipv4PacketFrom(dst.Addr())
	nonce := wgcrypto.CounterNonce(0)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)

	hdr := wire.MessageTransportHeader{Type: wire.WGTypeTransport, Receiver: 100, Counter: 0}
	raw, err := wire.MarshalWG(&hdr)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	raw = append(raw, ciphertext...)

	env := wire.WGDataEnvelope{IfnID: 1}
	if err := h.proxy.SendRaw(wire.MsgWGData, &env, raw); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	got, err := readTunWithTimeout(t, h.dev)
	if err != nil {
		t.Fatalf("read from tun: %v", err)
	}
	if len(got) != len(plaintext) {
		t.Fatalf("got %d bytes, want %d", len(got), len(plaintext))
	}
}

// TestInboundTransportDropsOutOfRangeSource verifies that a valid
// transport packet whose decrypted inner source isn't covered by the
// sending peer's allowed-ips is dropped rather than written to the
// tunnel device.
func TestInboundTransportDropsOutOfRangeSource(t *testing.T) {
	dst := netip.MustParsePrefix("10.10.0.2/32")
	h := setupHarness(t, 7, dst)

	sendKey := mustAEADKey(t)
	recvKey := mustAEADKey(t)
	keys := wire.SessKeys{
		IfnID: 1, PeerID: 7, SessID: 100, PeerSessID: 200,
		SendKey: recvKey, RecvKey: sendKey, // ifn's recv == the peer's send
		Responder: true,
	}
	if err := h.enclave.Send(wire.MsgSessKeys, &keys); err != nil {
		t.Fatalf("send SessKeys: %v", err)
	}
	if _, _, err := recvWithTimeout(t, h.proxy); err != nil { // SessID announcement
		t.Fatalf("draining SessID: %v", err)
	}

	aead, err := wgcrypto.NewAEAD(sendKey)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	// A source outside peer 7's registered 10.10.0.2/32: spoofing another
	// peer's address.
	spoofed := ipv4PacketFrom(netip.MustParseAddr("10.10.0.99"))
	nonce := wgcrypto.CounterNonce(0)
	ciphertext := aead.Seal(nil, nonce[:], spoofed, nil)

	hdr := wire.MessageTransportHeader{Type: wire.WGTypeTransport, Receiver: 100, Counter: 0}
	raw, err := wire.MarshalWG(&hdr)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	raw = append(raw, ciphertext...)

	env := wire.WGDataEnvelope{IfnID: 1}
	if err := h.proxy.SendRaw(wire.MsgWGData, &env, raw); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	assertNoTunPacket(t, h.dev)
}

// TestPinnedSocketDeliversTransportDirectly verifies that once proxy
// hands ifn a connected socket via MsgConnSock, a transport packet
// arriving on that socket is decrypted and written to the tunnel
// device without any further round trip through the proxy channel.
func TestPinnedSocketDeliversTransportDirectly(t *testing.T) {
	dst := netip.MustParsePrefix("10.10.0.2/32")
	h := setupHarness(t, 7, dst)

	sendKey := mustAEADKey(t)
	recvKey := mustAEADKey(t)
	keys := wire.SessKeys{
		IfnID: 1, PeerID: 7, SessID: 100, PeerSessID: 200,
		SendKey: recvKey, RecvKey: sendKey, // ifn's recv == the peer's send
		Responder: true,
	}
	if err := h.enclave.Send(wire.MsgSessKeys, &keys); err != nil {
		t.Fatalf("send SessKeys: %v", err)
	}
	if _, _, err := recvWithTimeout(t, h.proxy); err != nil { // SessID announcement
		t.Fatalf("draining SessID: %v", err)
	}

	peerSock, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer peerSock.Close()

	pinned, err := net.DialUDP("udp4", nil, peerSock.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	pinnedAddr := pinned.LocalAddr().(*net.UDPAddr)
	f, err := pinned.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	pinned.Close()
	defer f.Close()

	if err := h.proxy.SendFile(wire.MsgConnSock, &wire.ConnSock{IfnID: 1, PeerID: 7}, f); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the loop adopt the socket

	aead, err := wgcrypto.NewAEAD(sendKey)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	plaintext := ipv4PacketFrom(dst.Addr())
	nonce := wgcrypto.CounterNonce(0)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)

	hdr := wire.MessageTransportHeader{Type: wire.WGTypeTransport, Receiver: 100, Counter: 0}
	raw, err := wire.MarshalWG(&hdr)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	raw = append(raw, ciphertext...)

	if _, err := peerSock.WriteToUDP(raw, pinnedAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	got, err := readTunWithTimeout(t, h.dev)
	if err != nil {
		t.Fatalf("read from tun: %v", err)
	}
	if len(got) != len(plaintext) {
		t.Fatalf("got %d bytes, want %d", len(got), len(plaintext))
	}
}

// TestPinnedSocketRelaysHandshakeReinitiationToEnclave verifies that a
// handshake initiation arriving on a peer's pinned socket, rather than
// through proxy, is classified (not mistaken for corrupt transport
// data) and relayed to the enclave, exactly like proxy relays the same
// message type off its own shared listen socket.
func TestPinnedSocketRelaysHandshakeReinitiationToEnclave(t *testing.T) {
	dst := netip.MustParsePrefix("10.10.0.2/32")
	h := setupHarness(t, 7, dst)

	peerSock, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer peerSock.Close()

	pinned, err := net.DialUDP("udp4", nil, peerSock.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	pinnedAddr := pinned.LocalAddr().(*net.UDPAddr)
	f, err := pinned.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	pinned.Close()
	defer f.Close()

	if err := h.proxy.SendFile(wire.MsgConnSock, &wire.ConnSock{IfnID: 1, PeerID: 7}, f); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the loop adopt the socket

	msg := wire.MessageInitiation{Type: wire.WGTypeInitiation, Sender: 99}
	raw, err := wire.MarshalWG(&msg)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	wgcrypto.NewCookieGenerator(h.pub).AddMacs(raw)

	if _, err := peerSock.WriteToUDP(raw, pinnedAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	mt, payload, err := recvWithTimeout(t, h.enclave)
	if err != nil {
		t.Fatalf("recv from ifn: %v", err)
	}
	if mt != wire.MsgWGInit {
		t.Fatalf("mtcode = %d, want MsgWGInit", mt)
	}
	var env wire.WGInitEnvelope
	if err := wire.Decode(payload, &env); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Msg.Sender != 99 {
		t.Fatalf("sender field mangled: got %d", env.Msg.Sender)
	}
	if env.IfnID != 1 {
		t.Fatalf("expected ifnID 1, got %d", env.IfnID)
	}
}

func recvWithTimeout(t *testing.T, c *wire.Conn) (byte, []byte, error) {
	t.Helper()
	type result struct {
		mt      byte
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		mt, payload, err := c.Recv()
		ch <- result{mt, payload, err}
	}()
	select {
	case r := <-ch:
		return r.mt, r.payload, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return 0, nil, nil
	}
}

// assertNoTunPacket fails the test if a packet reaches the tunnel
// device within the timeout, used to check that something was dropped
// rather than delivered.
func assertNoTunPacket(t *testing.T, d *tun.Device) {
	t.Helper()
	ch := make(chan []byte, 1)
	go func() {
		pkt, err := d.ReadPacket()
		if err == nil {
			ch <- pkt
		}
	}()
	select {
	case pkt := <-ch:
		t.Fatalf("expected no packet delivered to tun, got %d bytes", len(pkt))
	case <-time.After(200 * time.Millisecond):
	}
}

func readTunWithTimeout(t *testing.T, d *tun.Device) ([]byte, error) {
	t.Helper()
	type result struct {
		pkt []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pkt, err := d.ReadPacket()
		ch <- result{pkt, err}
	}()
	select {
	case r := <-ch:
		return r.pkt, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a tun packet")
		return nil, nil
	}
}
