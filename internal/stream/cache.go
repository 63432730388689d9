package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Cache holds the last known record for one instrument. Refreshes
// replace the record wholesale; updates merge the Fields block and
// replace every other top-level key.
type Cache struct {
	mu        sync.RWMutex
	name      string
	requested []string
	record    map[string]any
	status    StateInfo
}

func newCache(name string, fields []string) *Cache {
	return &Cache{name: name, requested: fields}
}

// Name returns the instrument name.
func (c *Cache) Name() string { return c.name }

// StreamState returns the last state block seen for the instrument.
func (c *Cache) StreamState() StateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Cache) applyRefresh(m *Message) {
	var rec map[string]any
	if err := json.Unmarshal(m.Raw, &rec); err != nil {
		return
	}
	c.mu.Lock()
	c.record = rec
	if m.State != nil {
		c.status = *m.State
	}
	c.mu.Unlock()
}

func (c *Cache) applyUpdate(m *Message) {
	var delta map[string]any
	if err := json.Unmarshal(m.Raw, &delta); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		c.record = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		if k != "Fields" {
			c.record[k] = v
			continue
		}
		fresh, ok := v.(map[string]any)
		if !ok {
			continue
		}
		cur, _ := c.record["Fields"].(map[string]any)
		if cur == nil {
			cur = make(map[string]any, len(fresh))
			c.record["Fields"] = cur
		}
		for fk, fv := range fresh {
			cur[fk] = fv
		}
	}
}

func (c *Cache) applyStatus(st Status) {
	c.mu.Lock()
	c.status = StateInfo{Stream: st.State.String(), Code: st.Code, Text: st.Message}
	c.mu.Unlock()
}

func (c *Cache) fieldsLocked() map[string]any {
	f, _ := c.record["Fields"].(map[string]any)
	return f
}

// Field returns the cached value of one field. A requested field with
// no value yet returns (nil, nil); a field outside the requested view
// returns ErrFieldNotRequested. With an empty view every field counts
// as requested.
func (c *Cache) Field(name string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if f := c.fieldsLocked(); f != nil {
		if v, ok := f[name]; ok {
			return v, nil
		}
	}
	if len(c.requested) == 0 {
		return nil, nil
	}
	for _, r := range c.requested {
		if r == name {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("field %q: %w", name, ErrFieldNotRequested)
}

// Fields returns a copy of the cached field values. With a subset,
// exactly those fields are returned, nil standing in for values not
// received. Without one, every received field is returned, or every
// requested field as nil before the first image.
func (c *Cache) Fields(subset []string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	have := c.fieldsLocked()
	if len(subset) > 0 {
		out := make(map[string]any, len(subset))
		for _, name := range subset {
			out[name] = have[name]
		}
		return out
	}
	if have != nil {
		out := make(map[string]any, len(have))
		for k, v := range have {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(c.requested))
	for _, name := range c.requested {
		out[name] = nil
	}
	return out
}

// FieldNames returns the names of every received field.
func (c *Cache) FieldNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	have := c.fieldsLocked()
	names := make([]string, 0, len(have))
	for k := range have {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
