//go:build !excludemain

package main

import (
	"os"
	"os/signal"

	"github.com/johnstryder/agentgateway/internal/signals"
)

func init() {
	daemonWaitForShutdown = waitForShutdownSignal
}

// waitForShutdownSignal blocks until the process receives one of the
// shutdown signals (SIGINT/SIGTERM), then returns so the caller can drain
// running subsystems.
func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals.ShutdownSignals()...)
	<-ch
}
