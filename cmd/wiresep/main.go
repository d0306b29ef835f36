// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Command wiresep is the single binary that re-execs itself into each
// of the runtime's five process images: master by default, or
// enclave/proxy/ifn/supervisor when invoked with the matching internal
// re-exec flag. See internal/master for the actual logic; this file is
// only the entry point os/exec needs a real path to.
package main

import (
	"os"

	"github.com/tkuijsten/wiresep/internal/master"
)

func main() {
	os.Exit(master.Main(os.Args[1:]))
}
