//go:build !unix

package main

func notifyForeground(func()) (stop func()) {
	return func() {}
}
