//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyForeground calls fn on every SIGUSR1, which a front end sends when
// it comes back to the foreground.
func notifyForeground(fn func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
