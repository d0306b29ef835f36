// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package privsep

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// emptyDir is chrooted into by every child after Apply's rlimit pass:
// an empty, unwritable directory with nothing in it a compromised
// child could read or replace.
const emptyDir = "/var/empty"

// Apply enforces l's resource ceilings, then chroots to an empty
// directory and permanently drops to uid/gid. It must run after SEOS
// and before the caller touches a single byte of untrusted input, and
// it never returns a way to regain privilege: setresuid/setresgid set
// all three (real, effective, saved) ids at once.
func Apply(l Limits, uid, gid uint32) error {
	return apply(l, uid, gid, unix.Getuid() == 0)
}

// apply is Apply's testable core: chroot/setuid only make sense (and
// only succeed) when running as root, so non-root test runs exercise
// just the rlimit pass.
func apply(l Limits, uid, gid uint32, dropPrivileges bool) error {
	if err := applyLimits(l); err != nil {
		return err
	}
	if !dropPrivileges {
		return nil
	}
	if err := unix.Chroot(emptyDir); err != nil {
		return fmt.Errorf("privsep: chroot %s: %w", emptyDir, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("privsep: chdir /: %w", err)
	}
	g, u := int(gid), int(uid)
	if err := unix.Setgroups([]int{g}); err != nil {
		return fmt.Errorf("privsep: setgroups: %w", err)
	}
	if err := unix.Setresgid(g, g, g); err != nil {
		return fmt.Errorf("privsep: setresgid: %w", err)
	}
	if err := unix.Setresuid(u, u, u); err != nil {
		return fmt.Errorf("privsep: setresuid: %w", err)
	}
	return nil
}
