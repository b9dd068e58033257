//go:build unix

package main

import (
	"fmt"
	"os"
	"syscall"
)

// restart replaces the process image with a fresh copy of the binary,
// keeping the pid so a supervising service manager sees no exit. It only
// returns on failure, and the caller then exits non-zero so the service
// manager restarts us instead.
func restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: locate executable: %w", err)
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("restart: exec %s: %w", exe, err)
	}
	return nil
}
