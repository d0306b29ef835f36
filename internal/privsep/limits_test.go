// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package privsep

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestEnsureLimitNeverRaisesPastHardCeiling(t *testing.T) {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		t.Skipf("getrlimit unavailable: %v", err)
	}

	if err := ensureLimit(unix.RLIMIT_NOFILE, cur.Max+1000); err != nil {
		t.Fatalf("ensureLimit: %v", err)
	}

	var got unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &got); err != nil {
		t.Fatalf("getrlimit after ensureLimit: %v", err)
	}
	if got.Max > cur.Max {
		t.Errorf("hard limit rose from %d to %d", cur.Max, got.Max)
	}
}

func TestApplyWithoutPrivilegeDropOnlyTouchesLimits(t *testing.T) {
	if err := apply(Limits{MaxFds: 64}, 573, 573, false); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var got unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &got); err != nil {
		t.Fatalf("getrlimit RLIMIT_CORE: %v", err)
	}
	if got.Cur != 0 {
		t.Errorf("RLIMIT_CORE = %d, want 0", got.Cur)
	}
}
