//go:build windows

package main

import (
	"os"

	"trailkeep/internal/types"
)

// Windows has no user signals; the process stays in the active state
var stateSignals = map[os.Signal]types.AppState{}
