package vhost

// Notifier signals the guest that the used ring advanced. Implementations
// must be safe to call from the owning reactor only.
type Notifier interface {
	Notify() error
}

// ChanNotifier delivers notifications over a buffered channel. Used by tests
// and the in-process bench guest; a real connection supplies an eventfd.
type ChanNotifier struct {
	C chan struct{}
}

// NewChanNotifier returns a notifier with a depth-one channel; coalescing
// extra signals matches eventfd semantics.
func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{C: make(chan struct{}, 1)}
}

// Notify implements Notifier. Never blocks.
func (n *ChanNotifier) Notify() error {
	select {
	case n.C <- struct{}{}:
	default:
	}
	return nil
}
