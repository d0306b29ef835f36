// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package master

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Exit codes: 0 for success (including a clean -n config test), 1 for
// any fatal runtime error, 3 when master cannot find its own executable
// or cannot re-exec itself into the supervisor.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitReexecFailed = 3
)

// Main is cmd/wiresep's sole entry point: parse flags, dispatch to
// whichever process image argv selects, and return the process's exit
// code. Apart from -h, where ParseFlags prints usage and exits 0, it
// never calls os.Exit itself so callers (and tests) can observe the
// code without ending the test binary.
func Main(argv []string) int {
	f, err := ParseFlags(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitError
	}
	role, err := f.Role()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitError
	}

	level := slog.LevelInfo
	switch {
	case f.Verbose > 0:
		level = slog.LevelDebug
	case f.Verbose < 0:
		level = slog.LevelError
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	switch role {
	case RoleEnclave:
		fds, err := extraFds(f.Args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitError
		}
		return runChild(func() error { return EnclaveMain(ctx, log, fds) })
	case RoleProxy:
		fds, err := extraFds(f.Args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitError
		}
		return runChild(func() error { return ProxyMain(ctx, log, fds) })
	case RoleIfn:
		fds, err := extraFds(f.Args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitError
		}
		return runChild(func() error { return IfnMain(ctx, log, fds) })
	case RoleSupervisor:
		return runChild(func() error { return SupervisorMain(log, f.Args) })
	default:
		return runMaster(f, log)
	}
}

// extraFds parses the trailing positional argument spawn attached
// (see bootstrap.go): how many extra channels follow the mandatory
// master channel at fd 3, landing contiguously at fd 4, 5, ...
func extraFds(args []string) ([]int, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("master: missing extra-channel count argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("master: bad extra-channel count %q", args[0])
	}
	fds := make([]int, n)
	for i := range fds {
		fds[i] = 4 + i
	}
	return fds, nil
}

// runChild recovers a panic in one process image: log it, exit only
// this process, never let it propagate to whatever's watching.
func runChild(fn func() error) (code int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("panic recovered", "panic", r)
			code = ExitError
		}
	}()
	if err := fn(); err != nil {
		slog.Default().Error("child exiting", "err", err)
		return ExitError
	}
	return ExitOK
}

func runMaster(f *Flags, log *slog.Logger) int {
	rt, err := LoadConfigFile(f.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitError
	}
	rt.Background = !f.Foreground
	rt.Verbose = f.Verbose

	if f.ConfigTest {
		return ExitOK
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitReexecFailed
	}

	children, err := Bootstrap(exe, rt)
	if err != nil {
		log.Error("master: bootstrap failed", "err", err)
		return ExitError
	}

	if err := runSupervised(exe, children); err != nil {
		log.Error("master: re-exec into supervisor failed", "err", err)
		return ExitReexecFailed
	}
	return ExitOK
}
