package vhost

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// EventfdNotifier signals the guest through an eventfd, the callfd shape a
// vhost connection hands the device.
type EventfdNotifier struct {
	fd int
}

// NewEventfdNotifier creates a fresh eventfd notifier.
func NewEventfdNotifier() (*EventfdNotifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &EventfdNotifier{fd: fd}, nil
}

// EventfdNotifierFromFd wraps a callfd received from the connection. The
// caller keeps ownership of the fd's lifetime.
func EventfdNotifierFromFd(fd int) *EventfdNotifier {
	return &EventfdNotifier{fd: fd}
}

// Fd returns the underlying descriptor, for the guest side to poll.
func (n *EventfdNotifier) Fd() int { return n.fd }

// Notify implements Notifier.
func (n *EventfdNotifier) Notify() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(n.fd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated; the guest has a wakeup pending already.
		return nil
	}
	return err
}

// Close releases the eventfd.
func (n *EventfdNotifier) Close() error {
	return unix.Close(n.fd)
}
