// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package tun gives the ifn process a single-packet-at-a-time view of
// a tunnel device, built on top of golang.zx2c4.com/wireguard/tun's
// batched Device interface. The ifn's event loop reads and writes one
// IP packet per turn, so batching brings nothing here; what matters is
// getting a real, portable TUN implementation instead of a hand-rolled
// Linux ioctl.
package tun

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// packetOffset leaves room for the virtio-net header some platforms'
// tun.Device implementations expect ahead of the actual packet.
const packetOffset = 16

// Device wraps a tun.Device for one-packet-at-a-time I/O.
type Device struct {
	dev  tun.Device
	mtu  int
	rbuf [][]byte
	sbuf []int
}

// Open creates or attaches to the named tunnel device with the given
// MTU. On most platforms name may be empty to let the OS choose one.
func Open(name string, mtu int) (*Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: create %q: %w", name, err)
	}
	return wrap(dev)
}

// Wrap adapts an already-constructed tun.Device, such as
// tuntest.NewChannelTUN's in-memory device, to the one-packet-at-a-time
// interface ifn drives. Production code reaches this only through
// Open; tests that don't want a real kernel device use it directly.
func Wrap(dev tun.Device) (*Device, error) {
	return wrap(dev)
}

func wrap(dev tun.Device) (*Device, error) {
	actualMTU, err := dev.MTU()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("tun: read mtu: %w", err)
	}
	d := &Device{
		dev:  dev,
		mtu:  actualMTU,
		rbuf: [][]byte{make([]byte, packetOffset+actualMTU+64)},
		sbuf: make([]int, 1),
	}
	return d, nil
}

// Name reports the device's kernel-assigned name.
func (d *Device) Name() (string, error) {
	return d.dev.Name()
}

// MTU reports the device's current MTU.
func (d *Device) MTU() int {
	return d.mtu
}

// ReadPacket blocks until one IP packet is available and returns it.
// The returned slice aliases the device's internal buffer and is only
// valid until the next call to ReadPacket.
func (d *Device) ReadPacket() ([]byte, error) {
	n, err := d.dev.Read(d.rbuf, d.sbuf, packetOffset)
	if err != nil {
		return nil, fmt.Errorf("tun: read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return d.rbuf[0][packetOffset : packetOffset+d.sbuf[0]], nil
}

// WritePacket writes one decrypted IP packet to the device.
func (d *Device) WritePacket(pkt []byte) error {
	buf := make([]byte, packetOffset+len(pkt))
	copy(buf[packetOffset:], pkt)
	if _, err := d.dev.Write([][]byte{buf}, packetOffset); err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	return nil
}

// Close tears down the device.
func (d *Device) Close() error {
	return d.dev.Close()
}
