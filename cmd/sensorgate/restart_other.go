//go:build !unix

package main

import "github.com/nugget/sensorgate/internal/gateway"

// restart cannot re-exec in place here; returning the error makes main
// exit non-zero for the service manager to restart the process.
func restart() error {
	return gateway.ErrRestartDue
}
