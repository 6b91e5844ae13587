package utils

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/driftlab/husk/pkg/log"
)

// Terminate the process when SIGINT or SIGTERM is received.
func TerminateOnSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		log.Info("Received signal:", sig)
		os.Exit(1)
	}()
}
