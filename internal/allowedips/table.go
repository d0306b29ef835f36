// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package allowedips

import (
	"net"
	"net/netip"
)

// Table is a pair of longest-prefix-match tries, one for IPv4 and one
// for IPv6, plus the reverse index used to tear down every route
// belonging to a peer in one pass. The zero value is ready to use.
type Table struct {
	v4, v6 *trieEntry
	byPeer peerIndex
}

func (t *Table) ensureIndex() {
	if t.byPeer == nil {
		t.byPeer = make(peerIndex)
	}
}

// Insert adds prefix as an allowed address for peer, splitting or
// replacing existing entries as needed.
func (t *Table) Insert(prefix netip.Prefix, peer PeerRef) {
	t.ensureIndex()
	if prefix.Addr().Is4() {
		ip := prefix.Addr().As4()
		parentIndirection{&t.v4, 2}.insert(ip[:], uint8(prefix.Bits()), peer, t.byPeer)
		return
	}
	ip := prefix.Addr().As16()
	parentIndirection{&t.v6, 2}.insert(ip[:], uint8(prefix.Bits()), peer, t.byPeer)
}

// Lookup returns the peer whose allowed-ip set contains the longest
// matching prefix of addr, or false if none does.
func (t *Table) Lookup(addr netip.Addr) (PeerRef, bool) {
	if addr.Is4() {
		ip := addr.As4()
		return t.v4.lookup(ip[:])
	}
	ip := addr.As16()
	return t.v6.lookup(ip[:])
}

// LookupBytes is Lookup for a raw 4- or 16-byte address, for callers
// working directly off a packet buffer.
func (t *Table) LookupBytes(ip net.IP) (PeerRef, bool) {
	if v4 := ip.To4(); v4 != nil {
		return t.v4.lookup(v4)
	}
	return t.v6.lookup(ip.To16())
}

// RemoveByPeer removes every route belonging to peer, used when a peer
// is torn down.
func (t *Table) RemoveByPeer(peer PeerRef) {
	l, ok := t.byPeer[peer]
	if !ok {
		return
	}
	for elem := l.Front(); elem != nil; {
		next := elem.Next()
		elem.Value.(*trieEntry).remove(t.byPeer)
		elem = next
	}
}

// EntriesForPeer calls cb for every prefix currently routed to peer,
// stopping early if cb returns false.
func (t *Table) EntriesForPeer(peer PeerRef, cb func(netip.Prefix) bool) {
	l, ok := t.byPeer[peer]
	if !ok {
		return
	}
	for elem := l.Front(); elem != nil; elem = elem.Next() {
		node := elem.Value.(*trieEntry)
		a, ok := netip.AddrFromSlice(node.bits)
		if !ok {
			continue
		}
		if !cb(netip.PrefixFrom(a, int(node.cidr))) {
			return
		}
	}
}
