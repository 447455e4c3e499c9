package provider

import (
	"sync/atomic"
)

// ModelEntry is a configured model.
type ModelEntry struct {
	// Name is what clients see and send.
	Name string
	// BackendModel, when set, replaces Name in backend requests.
	BackendModel string
	// Size is reported by /api/tags; optional.
	Size int64
}

// Catalog is the configured model list. It can be swapped at runtime when
// the config file is reloaded; readers always see a complete list.
type Catalog struct {
	entries atomic.Pointer[[]ModelEntry]
}

// NewCatalog creates a catalog holding entries.
func NewCatalog(entries []ModelEntry) *Catalog {
	c := &Catalog{}
	c.Set(entries)
	return c
}

// Set replaces the model list.
func (c *Catalog) Set(entries []ModelEntry) {
	cp := make([]ModelEntry, len(entries))
	copy(cp, entries)
	c.entries.Store(&cp)
}

// Entries returns the current model list. Callers must not modify it.
func (c *Catalog) Entries() []ModelEntry {
	if c == nil {
		return nil
	}
	if p := c.entries.Load(); p != nil {
		return *p
	}
	return nil
}

// Resolve returns the backend model name for a client model name.
func (c *Catalog) Resolve(model string) string {
	for _, e := range c.Entries() {
		if e.Name == model && e.BackendModel != "" {
			return e.BackendModel
		}
	}
	return model
}
