package secrets

import (
	"fmt"
	"sync"
)

var (
	secretBackends = make(map[string]BackendInit)
	lock           sync.RWMutex
)

// New returns a new instance of Secrets backend identified by
// the supplied name. secretConfig is a map of key value pairs which is
// used for authenticating with the backend.
func New(
	name string,
	secretConfig map[string]interface{},
) (Secrets, error) {
	lock.RLock()
	bInit, exists := secretBackends[name]
	lock.RUnlock()

	if !exists {
		return nil, ErrNotSupported
	}
	return bInit(secretConfig)
}

// Register adds a new backend
func Register(name string, bInit BackendInit) error {
	lock.Lock()
	defer lock.Unlock()
	if _, exists := secretBackends[name]; exists {
		return fmt.Errorf("Secrets Backend provider %v is already"+
			" registered", name)
	}
	secretBackends[name] = bInit
	return nil
}

// IsRegistered returns true if a backend with the given name was registered.
func IsRegistered(name string) bool {
	lock.RLock()
	defer lock.RUnlock()
	_, exists := secretBackends[name]
	return exists
}
