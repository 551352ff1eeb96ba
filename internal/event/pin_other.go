//go:build !linux

package event

import "runtime"

// pinToCore locks the goroutine to an OS thread; CPU affinity is
// Linux-only.
func pinToCore(core int32) error {
	runtime.LockOSThread()
	return nil
}
