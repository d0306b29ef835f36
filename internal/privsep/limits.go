// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package privsep applies the resource ceilings and privilege drop
// every child process performs once it has consumed SEOS and no longer
// needs anything master could give it: a tight rlimit set matched to
// what that role actually uses, then chroot plus a permanent drop to
// an unprivileged uid/gid.
package privsep

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Limits bounds one child's resource ceilings, applied via setrlimit
// before the chroot/setuid drop. A zero field leaves that limit as it
// is. RLIMIT_NPROC is not a field: applyLimits always sets it to 0, so
// the child can never fork.
type Limits struct {
	MaxFds     uint64 // RLIMIT_NOFILE
	MaxDataRSS uint64 // RLIMIT_DATA, 0 leaves the current limit alone
}

// ensureLimit sets both the soft and hard limit for resource to want,
// or to the current hard limit if that is lower: the hard limit never
// rises, so a child re-lowering its own ceiling can't accidentally widen
// it back out. The soft limit can rise, up to that hard limit.
func ensureLimit(resource int, want uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(resource, &cur); err != nil {
		return fmt.Errorf("privsep: getrlimit(%d): %w", resource, err)
	}
	lim := unix.Rlimit{Cur: want, Max: want}
	if cur.Max < want {
		lim.Cur, lim.Max = cur.Max, cur.Max
	}
	if err := unix.Setrlimit(resource, &lim); err != nil {
		return fmt.Errorf("privsep: setrlimit(%d, %d): %w", resource, want, err)
	}
	return nil
}

// applyLimits sets the standard fixed-low ceilings every child gets
// regardless of role (no core dumps, no forking) plus the role-specific
// file-descriptor and data-segment limits in l. RLIMIT_STACK is left
// as it is.
func applyLimits(l Limits) error {
	if err := ensureLimit(unix.RLIMIT_CORE, 0); err != nil {
		return err
	}
	if err := ensureLimit(unix.RLIMIT_NPROC, 0); err != nil {
		return err
	}
	if l.MaxFds > 0 {
		if err := ensureLimit(unix.RLIMIT_NOFILE, l.MaxFds); err != nil {
			return err
		}
	}
	if l.MaxDataRSS > 0 {
		if err := ensureLimit(unix.RLIMIT_DATA, l.MaxDataRSS); err != nil {
			return err
		}
	}
	return nil
}
