package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
)

// gracefulStop cancels the returned context on the first ^C or SIGTERM so
// in-flight work can finish. A second signal exits immediately.
func gracefulStop(parent context.Context) (context.Context, func()) {

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	ctx, stop, _ := watchSignals(parent, sigs, os.Exit)

	return ctx, func() {
		signal.Stop(sigs)
		stop()
	}
}

// watchSignals is gracefulStop without the process wiring. The returned
// channel closes when the watcher goroutine has returned, which stop
// guarantees whether or not a signal arrived.
func watchSignals(parent context.Context, sigs <-chan os.Signal, exit func(int)) (context.Context, func(), <-chan struct{}) {

	ctx, cancel := context.WithCancel(parent)
	stopped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		select {
		case sig := <-sigs:
			log.Info("Caught signal, finishing in-flight work", "signal", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigs:
			log.Warn("Caught second signal, exiting now", "signal", sig)
			exit(1)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() { close(stopped) })
		cancel()
	}, done
}
