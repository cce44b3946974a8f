package workflow

import "sync"

// Context is the shared key/value state of one workflow run. Steps running
// in parallel branches may read and write it concurrently.
type Context struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewContext returns a context seeded with a copy of initial
func NewContext(initial map[string]interface{}) *Context {
	c := &Context{values: make(map[string]interface{}, len(initial))}
	for k, v := range initial {
		c.values[k] = v
	}
	return c
}

func (c *Context) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Update applies fn to the underlying map while holding the write lock, for
// read-modify-write sequences such as counters
func (c *Context) Update(fn func(values map[string]interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.values)
}

// Merge copies every entry of values into the context
func (c *Context) Merge(values map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
}

// Snapshot returns a shallow copy of the current values
func (c *Context) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
