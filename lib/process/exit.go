// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits. This is the standard
// meshstats binary entrypoint error handler. Use it in main() for
// errors from run() where the structured logger may not be
// initialized.
//
// If err implements `ExitCode() int` (e.g. a sentinel error for a
// forced shutdown), that code is used; otherwise Fatal exits 1, the
// generic "config or startup error" code.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if coder, ok := err.(interface{ ExitCode() int }); ok {
		os.Exit(coder.ExitCode())
	}
	os.Exit(1)
}
