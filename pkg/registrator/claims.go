package registrator

import "sync"

// Claims tracks the incoming units owned by attempts running in this
// process. Markers guard units across restarts; claims guard them between
// the scanner and the recovery driver while the process is alive.
type Claims struct {
	mu    sync.Mutex
	names map[string]struct{}
}

// NewClaims creates an empty claim set
func NewClaims() *Claims {
	return &Claims{names: make(map[string]struct{})}
}

// TryClaim claims name. It returns false if name is already claimed.
func (c *Claims) TryClaim(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[name]; ok {
		return false
	}
	c.names[name] = struct{}{}
	return true
}

// Release gives up a claim
func (c *Claims) Release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, name)
}

// IsClaimed reports whether name is claimed
func (c *Claims) IsClaimed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.names[name]
	return ok
}
