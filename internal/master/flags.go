// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package master implements the process that reads configuration,
// forks the enclave/proxy/ifn children over freshly created socket
// pairs, drives the startup protocol, and then re-execs itself into an
// idle supervisor that tears everything down the instant any child
// exits. It never touches a handshake, a session key, or a data
// packet once startup finishes.
package master

import (
	"fmt"
	"os"

	"github.com/ogier/pflag"
)

// Flags is the result of parsing os.Args for one process image: either
// a fresh top-level invocation, or a re-exec into one specific child
// or supervisor role.
type Flags struct {
	Foreground bool
	ConfigFile string
	ConfigTest bool
	Verbose    int

	EnclaveFd       int
	IfnFd           int
	ProxyFd         int
	SupervisorFd    int
	HasEnclaveFd    bool
	HasIfnFd        bool
	HasProxyFd      bool
	HasSupervisorFd bool

	// Args holds whatever positional arguments followed the flags. The
	// enclave/ifn/proxy roles read their extra-channel count from the
	// first one (see extraFds); the supervisor role (-M) reads the pid of
	// every child it should watch, passed as plain argv strings rather
	// than over an fd (see supervisor.go).
	Args []string
}

// Role reports which of the five process images these flags select.
// Exactly one of -E/-I/-P/-M may be given; giving none selects the
// top-level master role that parses config and forks children.
type Role int

const (
	RoleMaster Role = iota
	RoleEnclave
	RoleIfn
	RoleProxy
	RoleSupervisor
)

func (f *Flags) Role() (Role, error) {
	n := 0
	role := RoleMaster
	if f.HasEnclaveFd {
		n++
		role = RoleEnclave
	}
	if f.HasIfnFd {
		n++
		role = RoleIfn
	}
	if f.HasProxyFd {
		n++
		role = RoleProxy
	}
	if f.HasSupervisorFd {
		n++
		role = RoleSupervisor
	}
	if n > 1 {
		return 0, fmt.Errorf("master: at most one of -E/-I/-P/-M may be given")
	}
	return role, nil
}

// ParseFlags parses argv (excluding the program name) into Flags.
func ParseFlags(argv []string) (*Flags, error) {
	fs := pflag.NewFlagSet("wiresep", pflag.ContinueOnError)
	fs.Usage = func() { printUsage(os.Stderr) }

	foreground := fs.BoolP("foreground", "d", false, "run in the foreground instead of daemonizing")
	configFile := fs.StringP("config", "f", "/etc/wiresep.conf", "configuration file path")
	configTest := fs.BoolP("configtest", "n", false, "parse and validate the configuration, then exit")
	quiet := fs.BoolP("quiet", "q", false, "decrease verbosity")
	verbose := fs.BoolP("verbose", "v", false, "increase verbosity")
	help := fs.BoolP("help", "h", false, "show usage and exit")
	enclaveFd := fs.IntP("enclave-fd", "E", -1, "internal: re-exec into the enclave role on this fd")
	ifnFd := fs.IntP("ifn-fd", "I", -1, "internal: re-exec into an ifn role on this fd")
	proxyFd := fs.IntP("proxy-fd", "P", -1, "internal: re-exec into the proxy role on this fd")
	supFd := fs.IntP("supervisor-fd", "M", -1, "internal: re-exec into the idle supervisor role on this fd")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if *help {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	f := &Flags{
		Foreground: *foreground,
		ConfigFile: *configFile,
		ConfigTest: *configTest,
	}
	if *quiet {
		f.Verbose--
	}
	if *verbose {
		f.Verbose++
	}
	if *enclaveFd >= 0 {
		f.EnclaveFd, f.HasEnclaveFd = *enclaveFd, true
	}
	if *ifnFd >= 0 {
		f.IfnFd, f.HasIfnFd = *ifnFd, true
	}
	if *proxyFd >= 0 {
		f.ProxyFd, f.HasProxyFd = *proxyFd, true
	}
	if *supFd >= 0 {
		f.SupervisorFd, f.HasSupervisorFd = *supFd, true
	}
	f.Args = fs.Args()
	return f, nil
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "usage: wiresep [-dnqv] [-f config]")
}
