// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package ratelimit gates how often the enclave will start a fresh
// Noise handshake computation for a given source address, independent
// of the ifn-local rekey timers in internal/ifn/rekey.go. It is a thin
// wrapper over the upstream WireGuard rate limiter so the enclave
// doesn't need to reach into golang.zx2c4.com/wireguard directly.
package ratelimit

import (
	"net/netip"

	"golang.zx2c4.com/wireguard/ratelimiter"
)

// Limiter allows up to a fixed rate of handshake attempts per source
// IP; the enclave drops initiations beyond it without a reply, a
// defense against a flood of cheap-to-send initiations forcing
// expensive DH computation. No cookie reply is sent for a dropped
// initiation. The zero value is not ready to use; call NewLimiter.
type Limiter struct {
	rl ratelimiter.Ratelimiter
}

// NewLimiter constructs and starts a Limiter's background garbage
// collector. Callers must Close it on shutdown.
func NewLimiter() *Limiter {
	l := &Limiter{}
	l.rl.Init()
	return l
}

// Allow reports whether a fresh handshake computation from src may
// proceed; the enclave drops the message when it returns false.
func (l *Limiter) Allow(src netip.Addr) bool {
	return l.rl.Allow(src)
}

// Close stops the background garbage collector.
func (l *Limiter) Close() {
	l.rl.Close()
}
