// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package config

import "github.com/tkuijsten/wiresep/internal/wire"

// Writer sends the startup protocol in the strict order Reader
// expects. It does not itself enforce role-minimization — that's the
// caller's job, since which fields to zero before sending depends on
// which child is on the other end (see internal/master/bootstrap.go).
type Writer struct {
	conn *wire.Conn
}

// NewWriter wraps conn for startup-protocol encoding.
func NewWriter(conn *wire.Conn) *Writer {
	return &Writer{conn: conn}
}

func (w *Writer) SendSInit(m *wire.SInit) error       { return w.conn.Send(wire.MsgSInit, m) }
func (w *Writer) SendSIfn(m *wire.SIfn) error         { return w.conn.Send(wire.MsgSIfn, m) }
func (w *Writer) SendSPeer(m *wire.SPeer) error       { return w.conn.Send(wire.MsgSPeer, m) }
func (w *Writer) SendSCidrAddr(m *wire.SCidrAddr) error {
	return w.conn.Send(wire.MsgSCidrAddr, m)
}
func (w *Writer) SendSEOS() error { return w.conn.Send(wire.MsgSEOS, &wire.SEOS{}) }
