// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package config

import (
	"net/netip"

	"github.com/tkuijsten/wiresep/internal/wire"
)

// SockAddrFromAddrPort converts a netip.AddrPort to the wire's compact
// comparable form.
func SockAddrFromAddrPort(ap netip.AddrPort) wire.SockAddr {
	var sa wire.SockAddr
	addr := ap.Addr()
	if addr.Is4() {
		v4 := addr.As4()
		copy(sa.IP[:4], v4[:])
	} else {
		sa.IP = addr.As16()
		sa.V6 = true
	}
	sa.Port = ap.Port()
	return sa
}

// AddrPortFromSockAddr converts back from the wire's compact form.
func AddrPortFromSockAddr(sa wire.SockAddr) netip.AddrPort {
	if sa.V6 {
		return netip.AddrPortFrom(netip.AddrFrom16(sa.IP), sa.Port)
	}
	var v4 [4]byte
	copy(v4[:], sa.IP[:4])
	return netip.AddrPortFrom(netip.AddrFrom4(v4), sa.Port)
}

// PrefixFromSCidrAddr converts a decoded SCidrAddr's address+length
// into a netip.Prefix, ignoring the port (allowed-ip prefixes carry
// none).
func PrefixFromSCidrAddr(m *wire.SCidrAddr) netip.Prefix {
	ap := AddrPortFromSockAddr(m.Addr)
	return netip.PrefixFrom(ap.Addr(), int(m.PrefixLen))
}
