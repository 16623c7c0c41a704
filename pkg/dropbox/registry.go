package dropbox

import (
	"sort"
	"sync"
)

// Factory builds a fresh program instance
type Factory func() Program

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a native program available under name. Registering the
// same name twice panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic("dropbox: program registered twice: " + name)
	}
	registry[name] = factory
}

// Lookup returns a new instance of the named program
func Lookup(name string) (Program, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, Error.New("unknown program %q", name)
	}
	return factory(), nil
}

// Names lists the registered programs
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("simple", func() Program { return &Simple{DataSetType: "UNKNOWN"} })
}
