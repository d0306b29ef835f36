// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wire

import (
	"net"
	"testing"
	"unsafe"
)

func TestMessageSizesMatchWire(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"MessageInitiation", unsafe.Sizeof(MessageInitiation{}), WGMessageInitiationSize},
		{"MessageResponse", unsafe.Sizeof(MessageResponse{}), WGMessageResponseSize},
		{"MessageCookieReply", unsafe.Sizeof(MessageCookieReply{}), WGMessageCookieReplySize},
		{"MessageTransportHeader", unsafe.Sizeof(MessageTransportHeader{}), WGMessageTransportHdrSz},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: unsafe.Sizeof = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestConnSendRecvRoundTrip(t *testing.T) {
	af, bf, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	a, err := NewConn(af)
	if err != nil {
		t.Fatalf("NewConn a: %v", err)
	}
	defer a.Close()
	b, err := NewConn(bf)
	if err != nil {
		t.Fatalf("NewConn b: %v", err)
	}
	defer b.Close()

	req := &ReqWGInit{IfnID: 3, PeerID: 7}
	if err := a.Send(MsgReqWGInit, req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mtcode, payload, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if mtcode != MsgReqWGInit {
		t.Fatalf("mtcode = %d, want %d", mtcode, MsgReqWGInit)
	}

	var got ReqWGInit
	if err := Decode(payload, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != *req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, *req)
	}
}

func TestConnSendRecvSessKeysZero(t *testing.T) {
	af, bf, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	a, err := NewConn(af)
	if err != nil {
		t.Fatalf("NewConn a: %v", err)
	}
	defer a.Close()
	b, err := NewConn(bf)
	if err != nil {
		t.Fatalf("NewConn b: %v", err)
	}
	defer b.Close()

	sk := &SessKeys{IfnID: 1, PeerID: 2, SessID: 10, PeerSessID: 20, Responder: true}
	sk.SendKey[0] = 0xAB
	sk.RecvKey[0] = 0xCD

	if err := a.Send(MsgSessKeys, sk); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sk.Zero()
	if sk.SendKey[0] != 0 || sk.RecvKey[0] != 0 {
		t.Fatalf("Zero did not clear key material")
	}

	mtcode, payload, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if mtcode != MsgSessKeys {
		t.Fatalf("mtcode = %d, want %d", mtcode, MsgSessKeys)
	}
	var got SessKeys
	if err := Decode(payload, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SendKey[0] != 0xAB || got.RecvKey[0] != 0xCD {
		t.Fatalf("receiver got zeroed key material: %+v", got)
	}
}

func TestConnSendFileRecvFileTransfersDescriptor(t *testing.T) {
	af, bf, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	a, err := NewConn(af)
	if err != nil {
		t.Fatalf("NewConn a: %v", err)
	}
	defer a.Close()
	b, err := NewConn(bf)
	if err != nil {
		t.Fatalf("NewConn b: %v", err)
	}
	defer b.Close()

	udp, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	want := udp.LocalAddr().String()
	f, err := udp.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	udp.Close()
	defer f.Close()

	msg := &ConnSock{IfnID: 1, PeerID: 2}
	if err := a.SendFile(MsgConnSock, msg, f); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	mtcode, payload, got, err := b.RecvFile()
	if err != nil {
		t.Fatalf("RecvFile: %v", err)
	}
	if mtcode != MsgConnSock {
		t.Fatalf("mtcode = %d, want %d", mtcode, MsgConnSock)
	}
	if got == nil {
		t.Fatalf("expected an attached descriptor")
	}
	defer got.Close()

	var decoded ConnSock
	if err := Decode(payload, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != *msg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, *msg)
	}

	c, err := net.FileConn(got)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	defer c.Close()
	if c.LocalAddr().String() != want {
		t.Fatalf("transferred socket local addr = %q, want %q", c.LocalAddr().String(), want)
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Fatalf("op", "boom")) {
		t.Errorf("Fatalf-produced error should be fatal")
	}
	if IsFatal(Recoverablef("op", "boom")) {
		t.Errorf("Recoverablef-produced error should not be fatal")
	}
	if IsFatal(nil) {
		t.Errorf("nil error should not be fatal")
	}
}
