// Package main is the elemental binary: a daemon serving the workspace
// HTTP API (`elemental serve`) and a thin client for everything else.
package main

import (
	"fmt"
	"os"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(apperrors.ExitCode(err))
	}
}
