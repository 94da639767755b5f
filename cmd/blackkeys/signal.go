package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// interruptSignals are the signals that trigger a clean shutdown.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// shutdownListener returns a context whose done channel will be closed when OS
// signals such as SIGINT (Ctrl+C) are received.
func shutdownListener() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, interruptSignals...)

		select {
		case sig := <-interruptChannel:
			log.Printf("Received signal (%s). Shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}

		// Repeated signals only let the user know the shutdown is in
		// progress.
		for {
			sig := <-interruptChannel
			log.Printf("Received signal (%s). Already shutting down...", sig)
		}
	}()

	return ctx, cancel
}
