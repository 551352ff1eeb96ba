package event

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCore locks the calling goroutine to its OS thread and binds that
// thread to the given CPU.
func pinToCore(core int32) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Set(int(core))
	return unix.SchedSetaffinity(0, &set)
}
