// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package master

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/tkuijsten/wiresep/internal/config"
	"github.com/tkuijsten/wiresep/internal/enclave"
	"github.com/tkuijsten/wiresep/internal/ifn"
	"github.com/tkuijsten/wiresep/internal/privsep"
	"github.com/tkuijsten/wiresep/internal/proxy"
	"github.com/tkuijsten/wiresep/internal/tun"
	"github.com/tkuijsten/wiresep/internal/wire"
)

// masterFd is the fd every re-exec'd child finds its config/control
// channel to master on: fd 3, since Bootstrap always lists selfEnd
// first in ExtraFiles.
const masterFd = 3

// fileFromFd wraps a raw fd inherited across exec as an *os.File.
func fileFromFd(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// readStartup drains the startup protocol for every interface from a
// config.Reader, calling onIfn once per SIfn with that interface's
// addresses and peers. It stops at SEOS and returns the leading SInit.
//
// onIfn receives both the lossy config.Peer view (name, keys relevant
// to this role, allowed-ips) and the raw *wire.SPeer each one was
// decoded from, since a role can need wire-only fields config.Peer has
// no business carrying — proxy's per-peer MAC1Key/CookieKey, for
// instance.
func readStartup(r *config.Reader, onIfn func(sifn *wire.SIfn, addrs []*wire.SCidrAddr, peers []config.Peer, rawPeers []*wire.SPeer) error) (*wire.SInit, error) {
	sinit, err := r.ReadSInit()
	if err != nil {
		return nil, err
	}
	if err := readIfns(r, onIfn); err != nil {
		return nil, err
	}
	return sinit, nil
}

func readIfns(r *config.Reader, onIfn func(sifn *wire.SIfn, addrs []*wire.SCidrAddr, peers []config.Peer, rawPeers []*wire.SPeer) error) error {
	for {
		sifn, done, err := r.ReadSIfn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		var addrs []*wire.SCidrAddr
		for i := uint32(0); i < sifn.NumIfAddrs; i++ {
			a, err := r.ReadIfnAddr()
			if err != nil {
				return err
			}
			addrs = append(addrs, a)
		}
		var peers []config.Peer
		var rawPeers []*wire.SPeer
		for {
			sp, pdone, err := r.ReadSPeer()
			if err != nil {
				return err
			}
			if pdone {
				break
			}
			p := config.Peer{
				ID:           sp.PeerID,
				PublicKey:    sp.PeerKey,
				PresharedKey: sp.PSK,
			}
			if sp.EndpointSet {
				p.Endpoint = config.AddrPortFromSockAddr(sp.Endpoint)
			}
			for j := uint32(0); j < sp.NumAllowed; j++ {
				a, err := r.ReadAllowedIP()
				if err != nil {
					return err
				}
				p.AllowedIPs = append(p.AllowedIPs, config.AllowedIP{Prefix: config.PrefixFromSCidrAddr(a)})
			}
			peers = append(peers, p)
			rawPeers = append(rawPeers, sp)
		}
		if err := onIfn(sifn, addrs, peers, rawPeers); err != nil {
			return err
		}
	}
}

// EnclaveMain runs the enclave process image. extraFds lists the
// enclave<->proxy fd first, followed by one enclave<->ifn fd per
// interface in the same order master will introduce them via SIFN.
func EnclaveMain(ctx context.Context, log *slog.Logger, extraFds []int) error {
	masterConn, err := wire.NewConn(fileFromFd(masterFd, "master"))
	if err != nil {
		return err
	}
	if len(extraFds) < 1 {
		return fmt.Errorf("enclave: missing proxy fd")
	}
	proxyConn, err := wire.NewConn(fileFromFd(extraFds[0], "proxy"))
	if err != nil {
		return err
	}
	ifnFds := extraFds[1:]

	e := enclave.New(log, proxyConn)
	r := config.NewReader(masterConn)
	ifnIdx := 0
	sinit, err := readStartup(r, func(sifn *wire.SIfn, _ []*wire.SCidrAddr, peers []config.Peer, _ []*wire.SPeer) error {
		if ifnIdx >= len(ifnFds) {
			return fmt.Errorf("enclave: SIFN for interface %d with no matching fd", sifn.IfnID)
		}
		ifnConn, err := wire.NewConn(fileFromFd(ifnFds[ifnIdx], "ifn"))
		if err != nil {
			return err
		}
		ifnIdx++
		iface := config.Interface{ID: sifn.IfnID, PrivateKey: sifn.PrivateKey, Peers: peers}
		sifn.Zero()
		return e.AddIfn(ifnConn, iface)
	})
	if err != nil {
		return err
	}
	masterConn.Close()

	if err := privsep.Apply(privsep.Limits{MaxFds: 64}, sinit.UID, sinit.GID); err != nil {
		return err
	}
	return e.Run(ctx)
}

// ProxyMain runs the proxy process image. extraFds lists the
// proxy<->enclave fd first, followed by one proxy<->ifn fd per
// interface in the same order master will introduce them via SIFN.
func ProxyMain(ctx context.Context, log *slog.Logger, extraFds []int) error {
	masterConn, err := wire.NewConn(fileFromFd(masterFd, "master"))
	if err != nil {
		return err
	}
	if len(extraFds) < 1 {
		return fmt.Errorf("proxy: missing enclave fd")
	}
	enclaveConn, err := wire.NewConn(fileFromFd(extraFds[0], "enclave"))
	if err != nil {
		return err
	}
	ifnFds := extraFds[1:]

	p := proxy.New(log, enclaveConn)
	r := config.NewReader(masterConn)
	ifnIdx := 0
	sinit, err := readStartup(r, func(sifn *wire.SIfn, _ []*wire.SCidrAddr, _ []config.Peer, rawPeers []*wire.SPeer) error {
		if ifnIdx >= len(ifnFds) {
			return fmt.Errorf("proxy: SIFN for interface %d with no matching fd", sifn.IfnID)
		}
		ifnConn, err := wire.NewConn(fileFromFd(ifnFds[ifnIdx], "ifn"))
		if err != nil {
			return err
		}
		ifnIdx++
		listenAddr := netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(sifn.Port))
		if err := p.AddIfn(sifn.IfnID, listenAddr, sifn.MAC1Key, sifn.CookieKey, ifnConn); err != nil {
			return err
		}
		for _, sp := range rawPeers {
			if err := p.AddPeer(sp.IfnID, sp.PeerID, sp.MAC1Key, sp.CookieKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	masterConn.Close()

	if err := privsep.Apply(privsep.Limits{MaxFds: 256}, sinit.UID, sinit.GID); err != nil {
		return err
	}
	return p.Run(ctx)
}

// IfnMain runs one ifn process image. extraFds is [toProxy, toEnclave]
// in the order Bootstrap attaches them.
func IfnMain(ctx context.Context, log *slog.Logger, extraFds []int) error {
	masterConn, err := wire.NewConn(fileFromFd(masterFd, "master"))
	if err != nil {
		return err
	}
	if len(extraFds) < 2 {
		return fmt.Errorf("ifn: expected proxy and enclave fds")
	}
	proxyConn, err := wire.NewConn(fileFromFd(extraFds[0], "proxy"))
	if err != nil {
		return err
	}
	enclaveConn, err := wire.NewConn(fileFromFd(extraFds[1], "enclave"))
	if err != nil {
		return err
	}

	r := config.NewReader(masterConn)
	var built *ifn.Ifn
	sinit, err := readStartup(r, func(sifn *wire.SIfn, _ []*wire.SCidrAddr, peers []config.Peer, _ []*wire.SPeer) error {
		name := cstring(sifn.IfName[:])
		dev, err := tun.Open(name, 1420)
		if err != nil {
			return err
		}
		built, err = ifn.New(log, sifn.IfnID, dev, sifn.MAC1Key, sifn.CookieKey, proxyConn, enclaveConn)
		if err != nil {
			return err
		}
		for _, p := range peers {
			built.AddPeer(p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	masterConn.Close()
	if built == nil {
		return fmt.Errorf("ifn: startup stream introduced no interface")
	}

	if err := privsep.Apply(privsep.Limits{MaxFds: 32}, sinit.UID, sinit.GID); err != nil {
		return err
	}
	return built.Run(ctx)
}

// cstring trims a fixed-size, NUL-padded byte array down to its string
// contents.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
