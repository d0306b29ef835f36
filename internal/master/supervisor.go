// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package master

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

// runSupervised re-execs the current process, in place, into the idle
// supervisor role (-M) once every child has been forked and the
// startup protocol has finished: a crash or compromise of master
// itself after startup can't be used to resend privileged startup
// state, since the supervisor image holds no key material and no
// config at all, only a list of pids to watch.
//
// This has to be an in-place re-exec (syscall.Exec), not a forked
// subprocess: the enclave/proxy/ifn children were forked from this
// same pid, and only their direct parent can wait() on them. Passing
// each child's pid as a plain argv argument sidesteps fd-numbering
// entirely — there is no fd to renumber here, just integers a new
// process image can parse straight out of its own argv.
func runSupervised(exe string, children []*child) error {
	args := []string{exe, "-M", "0"}
	for _, c := range children {
		args = append(args, strconv.Itoa(c.cmd.Process.Pid))
	}
	for _, c := range children {
		c.conn.Close()
	}
	return syscall.Exec(exe, args, os.Environ())
}

// SupervisorMain is the -M re-exec entry point. pids are the
// already-forked enclave/proxy/ifn processes, passed as argv strings
// by runSupervised. It ignores SIGUSR1 (the per-role stats-dump
// signal), treats SIGTERM/SIGINT as "shut everything down cleanly",
// and otherwise blocks until any watched child exits unexpectedly,
// then kills the whole process group.
func SupervisorMain(log *slog.Logger, pidArgs []string) error {
	pids := make([]int, 0, len(pidArgs))
	for _, a := range pidArgs {
		pid, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("supervisor: bad pid argument %q: %w", a, err)
		}
		pids = append(pids, pid)
	}
	log.Info("supervisor: watching runtime", "children", len(pids))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	signal.Ignore(syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		var ws syscall.WaitStatus
		syscall.Wait4(-1, &ws, 0, nil)
		close(done)
	}()

	clean := false
	select {
	case <-sigCh:
		clean = true
	case <-done:
	}

	// The children inherited this process's group (spawn never calls
	// setpgid), so signal the group itself rather than per-pid groups.
	syscall.Kill(0, syscall.SIGTERM)
	// Reap whatever's left so none of the children become zombies
	// under the supervisor.
	for {
		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(-1, &ws, 0, nil); err != nil {
			break
		}
	}

	if !clean {
		return fmt.Errorf("supervisor: an unwatched child exited")
	}
	return nil
}
