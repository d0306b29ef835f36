// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcrypto

import (
	"testing"

	"github.com/tkuijsten/wiresep/internal/wire"
)

func mustKeypair(t *testing.T) (NoisePrivateKey, NoisePublicKey) {
	t.Helper()
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return priv, priv.PublicKey()
}

// runHandshake drives a full IKpsk2 exchange between an initiator and
// a responder and returns each side's derived transport keys.
func runHandshake(t *testing.T, psk NoisePresharedKey) (initSend, initRecv, respSend, respRecv [32]byte) {
	t.Helper()

	iPriv, iPub := mustKeypair(t)
	rPriv, rPub := mustKeypair(t)

	iHS, initMsg, err := CreateInitiation(iPriv, iPub, rPub, psk)
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}

	rHS, err := ConsumeInitiation(rPriv, rPub, initMsg)
	if err != nil {
		t.Fatalf("ConsumeInitiation: %v", err)
	}
	if rHS.RemoteStatic != iPub {
		t.Fatalf("responder recovered wrong initiator static key")
	}

	respMsg, recvKey, sendKey, err := CreateResponse(rHS, psk)
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	iSend, iRecv, err := ConsumeResponse(iHS, iPriv, respMsg, psk)
	if err != nil {
		t.Fatalf("ConsumeResponse: %v", err)
	}

	return iSend, iRecv, sendKey, recvKey
}

func TestHandshakeDerivesMatchingKeys(t *testing.T) {
	var psk NoisePresharedKey
	iSend, iRecv, rSend, rRecv := runHandshake(t, psk)

	if iSend != rRecv {
		t.Errorf("initiator send key != responder recv key")
	}
	if iRecv != rSend {
		t.Errorf("initiator recv key != responder send key")
	}
	if iSend == iRecv {
		t.Errorf("send and recv keys must differ")
	}
}

func TestHandshakeWithPresharedKey(t *testing.T) {
	psk := NoisePresharedKey{1, 2, 3, 4}
	iSend, iRecv, rSend, rRecv := runHandshake(t, psk)
	if iSend != rRecv || iRecv != rSend {
		t.Fatalf("psk handshake key mismatch")
	}

	var zero NoisePresharedKey
	iSend2, _, _, _ := runHandshake(t, zero)
	if iSend2 == iSend {
		t.Errorf("different PSKs produced identical send keys")
	}
}

func TestConsumeResponseRejectsWrongState(t *testing.T) {
	iPriv, iPub := mustKeypair(t)
	_, rPub := mustKeypair(t)
	var psk NoisePresharedKey

	hs, _, err := CreateInitiation(iPriv, iPub, rPub, psk)
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}
	hs.State = StateResponseConsumed // simulate reuse

	if _, _, err := ConsumeResponse(hs, iPriv, &wire.MessageResponse{}, psk); err != ErrMismatchedState {
		t.Fatalf("expected ErrMismatchedState, got %v", err)
	}
}

func TestConsumeInitiationRejectsTamperedStatic(t *testing.T) {
	iPriv, iPub := mustKeypair(t)
	rPriv, rPub := mustKeypair(t)
	var psk NoisePresharedKey

	_, initMsg, err := CreateInitiation(iPriv, iPub, rPub, psk)
	if err != nil {
		t.Fatalf("CreateInitiation: %v", err)
	}
	initMsg.Static[0] ^= 0xFF

	if _, err := ConsumeInitiation(rPriv, rPub, initMsg); err != ErrDecryptStatic {
		t.Fatalf("expected ErrDecryptStatic, got %v", err)
	}
}

func TestCookieMAC1RoundTrip(t *testing.T) {
	_, rPub := mustKeypair(t)
	cc, err := NewCookieChecker(rPub)
	if err != nil {
		t.Fatalf("NewCookieChecker: %v", err)
	}
	cg := NewCookieGenerator(rPub)

	msg := &wire.MessageInitiation{Type: wire.WGTypeInitiation, Sender: 42}
	raw, err := wire.MarshalWG(msg)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	cg.AddMacs(raw)

	if !cc.CheckMAC1(raw) {
		t.Fatalf("CheckMAC1 rejected a validly-MAC'd message")
	}

	raw[0] ^= 0xFF
	if cc.CheckMAC1(raw) {
		t.Fatalf("CheckMAC1 accepted a tampered message")
	}
}

func TestCookieReplyRoundTrip(t *testing.T) {
	_, rPub := mustKeypair(t)
	cc, err := NewCookieChecker(rPub)
	if err != nil {
		t.Fatalf("NewCookieChecker: %v", err)
	}
	cg := NewCookieGenerator(rPub)

	msg := &wire.MessageInitiation{Type: wire.WGTypeInitiation, Sender: 7}
	raw, err := wire.MarshalWG(msg)
	if err != nil {
		t.Fatalf("MarshalWG: %v", err)
	}
	cg.AddMacs(raw)

	reply, err := cc.CreateReply([]byte{127, 0, 0, 1}, 7, raw[len(raw)-32:len(raw)-16])
	if err != nil {
		t.Fatalf("CreateReply: %v", err)
	}

	if err := cg.ConsumeCookieReply(reply); err != nil {
		t.Fatalf("ConsumeCookieReply: %v", err)
	}
	if cg.cookieSet.IsZero() {
		t.Fatalf("cookie was not recorded")
	}
}
