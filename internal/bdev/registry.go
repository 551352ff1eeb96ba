package bdev

import (
	"fmt"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Bdev)
)

// Register makes the device findable by name. Names are unique.
func Register(b *Bdev) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[b.name]; ok {
		return fmt.Errorf("bdev: name %q already registered", b.name)
	}
	registry[b.name] = b
	return nil
}

// Unregister removes the device from the catalog. In-flight claims and
// channels are unaffected.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// GetByName looks up a registered device, or nil.
func GetByName(name string) *Bdev {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[name]
}
