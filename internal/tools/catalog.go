package tools

import (
	"sync"

	"github.com/flynn-ai/flynn-core/internal/errors"
)

// Catalog holds discovered tools grouped by server. Server order is the
// order servers were first added; tools keep the order the server listed them.
type Catalog struct {
	mu       sync.RWMutex
	servers  []string
	byServer map[string][]Descriptor
	version  uint64
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{byServer: make(map[string][]Descriptor)}
}

// Replace swaps the tool list of one server. Tool names must be unique across
// servers.
func (c *Catalog) Replace(server string, ds []Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(ds))
	for _, other := range c.servers {
		if other == server {
			continue
		}
		for _, d := range c.byServer[other] {
			seen[d.Name] = true
		}
	}

	list := make([]Descriptor, 0, len(ds))
	local := make(map[string]bool, len(ds))
	for _, d := range ds {
		if d.Name == "" {
			return errors.ConfigurationError("server %s lists a tool without a name", server)
		}
		if seen[d.Name] || local[d.Name] {
			return errors.ConfigurationError("tool %s of server %s is already registered", d.Name, server)
		}
		local[d.Name] = true
		d.ServerName = server
		list = append(list, d)
	}

	if _, ok := c.byServer[server]; !ok {
		c.servers = append(c.servers, server)
	}
	c.byServer[server] = list
	c.version++
	return nil
}

// Remove drops a server and its tools.
func (c *Catalog) Remove(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byServer[server]; !ok {
		return
	}
	delete(c.byServer, server)
	for i, s := range c.servers {
		if s == server {
			c.servers = append(c.servers[:i], c.servers[i+1:]...)
			break
		}
	}
	c.version++
}

// All returns every tool.
func (c *Catalog) All() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Descriptor
	for _, s := range c.servers {
		out = append(out, c.byServer[s]...)
	}
	return out
}

// Get looks a tool up by name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.servers {
		for _, d := range c.byServer[s] {
			if d.Name == name {
				return d, true
			}
		}
	}
	return Descriptor{}, false
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, ds := range c.byServer {
		n += len(ds)
	}
	return n
}

// Version increments on every change.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
