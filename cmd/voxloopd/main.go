// Package main is the voxloop server daemon.
//
// Usage:
//
//	voxloopd serve --config /etc/voxloop/voxloop.yaml
//
// Exit codes: 0 on clean shutdown, 3 when a client requested a restart
// (the supervisor should start the daemon again), 1 on any other error.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/voxloop/voxloop/cmd/voxloopd/commands"
	"github.com/voxloop/voxloop/pkg/server"
)

func main() {
	if err := commands.Execute(); err != nil {
		if errors.Is(err, server.ErrRestartRequested) {
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
