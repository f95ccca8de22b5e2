//go:build !windows

package main

import (
	"os"
	"syscall"

	"trailkeep/internal/types"
)

// stateSignals lets a host process drive the app state machine
var stateSignals = map[os.Signal]types.AppState{
	syscall.SIGUSR1: types.AppBackground,
	syscall.SIGUSR2: types.AppActive,
}
