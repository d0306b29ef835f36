// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package master

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/wgcrypto"
)

// LoadConfigFile parses the minimal line-oriented grammar cmd/wiresep
// -f reads:
//
//	user 573
//	group 573
//	interface tun0
//	  private-key <base64>
//	  listen 0.0.0.0:51820
//	  address 10.0.0.1/24
//	  peer <base64-pubkey>
//	    allowed-ips 10.0.0.2/32
//	    endpoint 203.0.113.9:51820
//	    preshared-key <base64>
//
// Indentation is cosmetic; nesting is inferred from the keyword
// sequence, not column position. This is not a reimplementation of any
// existing config format, just enough to make the module runnable
// end-to-end.
func LoadConfigFile(path string) (*config.Runtime, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return parseConfig(f)
}

func parseConfig(r io.Reader) (*config.Runtime, error) {
	rt := &config.Runtime{EnclavePort: 0, ProxyPort: 0}

	var cur *config.Interface
	var curPeer *config.Peer
	var nextIfnID, nextPeerID uint32

	flushPeer := func() {
		if cur != nil && curPeer != nil {
			cur.Peers = append(cur.Peers, *curPeer)
			curPeer = nil
		}
	}
	flushIfn := func() {
		flushPeer()
		if cur != nil {
			rt.Interfaces = append(rt.Interfaces, *cur)
			cur = nil
		}
	}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := fields[0]
		rest := strings.Join(fields[1:], " ")

		switch key {
		case "user":
			uid, err := strconv.ParseUint(rest, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: user must be a numeric uid: %w", lineNo, err)
			}
			rt.UID = uint32(uid)
		case "group":
			gid, err := strconv.ParseUint(rest, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: group must be a numeric gid: %w", lineNo, err)
			}
			rt.GID = uint32(gid)
		case "interface":
			flushIfn()
			cur = &config.Interface{ID: nextIfnID, Name: rest, ListenPort: 51820}
			nextIfnID++
			nextPeerID = 0
		case "private-key":
			if cur == nil {
				return nil, fmt.Errorf("config: line %d: private-key outside interface block", lineNo)
			}
			key, err := decodeKey32(rest)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			cur.PrivateKey = wgcrypto.NoisePrivateKey(key)
		case "listen":
			if cur == nil {
				return nil, fmt.Errorf("config: line %d: listen outside interface block", lineNo)
			}
			ap, err := netip.ParseAddrPort(rest)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: bad listen address %q: %w", lineNo, rest, err)
			}
			cur.ListenPort = int(ap.Port())
		case "address":
			if cur == nil {
				return nil, fmt.Errorf("config: line %d: address outside interface block", lineNo)
			}
			p, err := netip.ParsePrefix(rest)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: bad address %q: %w", lineNo, rest, err)
			}
			cur.Addresses = append(cur.Addresses, p)
		case "peer":
			if cur == nil {
				return nil, fmt.Errorf("config: line %d: peer outside interface block", lineNo)
			}
			flushPeer()
			key, err := decodeKey32(rest)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			curPeer = &config.Peer{ID: nextPeerID, PublicKey: wgcrypto.NoisePublicKey(key)}
			nextPeerID++
		case "allowed-ips":
			if curPeer == nil {
				return nil, fmt.Errorf("config: line %d: allowed-ips outside peer block", lineNo)
			}
			for _, tok := range strings.Split(rest, ",") {
				tok = strings.TrimSpace(tok)
				p, err := netip.ParsePrefix(tok)
				if err != nil {
					return nil, fmt.Errorf("config: line %d: bad allowed-ip %q: %w", lineNo, tok, err)
				}
				curPeer.AllowedIPs = append(curPeer.AllowedIPs, config.AllowedIP{Prefix: p})
			}
		case "endpoint":
			if curPeer == nil {
				return nil, fmt.Errorf("config: line %d: endpoint outside peer block", lineNo)
			}
			ap, err := netip.ParseAddrPort(rest)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: bad endpoint %q: %w", lineNo, rest, err)
			}
			curPeer.Endpoint = ap
		case "preshared-key":
			if curPeer == nil {
				return nil, fmt.Errorf("config: line %d: preshared-key outside peer block", lineNo)
			}
			key, err := decodeKey32(rest)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			curPeer.PresharedKey = wgcrypto.NoisePresharedKey(key)
		default:
			return nil, fmt.Errorf("config: line %d: unknown directive %q", lineNo, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flushIfn()
	return rt, nil
}

// decodeKey32 base64-decodes a 32-byte key, the form every WireGuard
// key is conventionally exchanged in.
func decodeKey32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("bad base64 key: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("key must decode to 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
