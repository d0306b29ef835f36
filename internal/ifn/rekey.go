// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package ifn

import "time"

// Handshake and session timing, the values WireGuard's Noise protocol
// fixes for keypair lifetime and rekey timing. ifn is the only process
// with enough state (last handshake time, per-session message
// counters) to decide when a rekey is due, so these live here rather
// than in wgcrypto.
const (
	// RekeyAfterTime is how long a session may be used to send before
	// ifn should start a new handshake, if it hasn't already.
	RekeyAfterTime = 120 * time.Second
	// RekeyAttemptTime is WireGuard's bound on retrying a self-initiated
	// handshake. Nothing in ifn reads it: ifn keeps requesting handshakes
	// every RekeyTimeout and never gives up on a peer.
	RekeyAttemptTime = 90 * time.Second
	// RekeyTimeout is the minimum spacing between successive
	// REQWGINIT retries to the enclave for the same peer.
	RekeyTimeout = 5 * time.Second
	// RejectAfterTime is the hard cap on a keypair's lifetime,
	// regardless of activity; past this it must not be used at all.
	RejectAfterTime = 180 * time.Second
	// KeepaliveTimeout is WireGuard's passive-keepalive interval. Nothing
	// in ifn reads it: ifn sends no keepalive packets of its own, it only
	// accepts empty ones from a peer.
	KeepaliveTimeout = 10 * time.Second
)

// needsRekey reports whether current is old enough, by time or by
// message count, that ifn should ask the enclave for a fresh one.
func needsRekey(s *session) bool {
	if s == nil {
		return true
	}
	if time.Since(s.created) > RekeyAfterTime {
		return true
	}
	if s.sendCtr > rejectAfterMessages-1<<13 {
		return true
	}
	return false
}
