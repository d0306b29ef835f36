// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package allowedips

import (
	"net/netip"
	"testing"
)

func pfx(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

func addr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestLongestPrefixMatch(t *testing.T) {
	var tbl Table
	tbl.Insert(pfx("10.0.0.0/8"), 1)
	tbl.Insert(pfx("10.0.0.0/16"), 2)
	tbl.Insert(pfx("10.0.0.0/24"), 3)

	cases := []struct {
		ip   string
		want PeerRef
	}{
		{"10.0.0.5", 3},
		{"10.0.1.5", 2},
		{"10.5.0.5", 1},
	}
	for _, c := range cases {
		got, ok := tbl.Lookup(addr(c.ip))
		if !ok || got != c.want {
			t.Errorf("Lookup(%s) = %v, %v; want %v, true", c.ip, got, ok, c.want)
		}
	}

	if _, ok := tbl.Lookup(addr("192.168.1.1")); ok {
		t.Errorf("Lookup of unrouted address should miss")
	}
}

func TestExactMatchOverwritesOwner(t *testing.T) {
	var tbl Table
	tbl.Insert(pfx("192.168.1.0/24"), 1)
	tbl.Insert(pfx("192.168.1.0/24"), 2)

	got, ok := tbl.Lookup(addr("192.168.1.42"))
	if !ok || got != 2 {
		t.Fatalf("Lookup = %v, %v; want 2, true", got, ok)
	}
}

func TestRemoveByPeer(t *testing.T) {
	var tbl Table
	tbl.Insert(pfx("10.0.0.0/24"), 1)
	tbl.Insert(pfx("10.0.1.0/24"), 1)
	tbl.Insert(pfx("10.0.2.0/24"), 2)

	tbl.RemoveByPeer(1)

	if _, ok := tbl.Lookup(addr("10.0.0.1")); ok {
		t.Errorf("expected peer 1's route to be gone")
	}
	if _, ok := tbl.Lookup(addr("10.0.1.1")); ok {
		t.Errorf("expected peer 1's second route to be gone")
	}
	got, ok := tbl.Lookup(addr("10.0.2.1"))
	if !ok || got != 2 {
		t.Errorf("expected peer 2's route to survive, got %v, %v", got, ok)
	}
}

func TestEntriesForPeer(t *testing.T) {
	var tbl Table
	tbl.Insert(pfx("10.0.0.0/24"), 1)
	tbl.Insert(pfx("fd00::/64"), 1)

	var got []netip.Prefix
	tbl.EntriesForPeer(1, func(p netip.Prefix) bool {
		got = append(got, p)
		return true
	})
	if len(got) != 2 {
		t.Fatalf("EntriesForPeer returned %d entries, want 2", len(got))
	}
}

func TestIPv6LongestPrefixMatch(t *testing.T) {
	var tbl Table
	tbl.Insert(pfx("fd00::/16"), 1)
	tbl.Insert(pfx("fd00:1::/32"), 2)

	got, ok := tbl.Lookup(addr("fd00:1::1"))
	if !ok || got != 2 {
		t.Errorf("Lookup = %v, %v; want 2, true", got, ok)
	}
	got, ok = tbl.Lookup(addr("fd00:9999::1"))
	if !ok || got != 1 {
		t.Errorf("Lookup = %v, %v; want 1, true", got, ok)
	}
}
