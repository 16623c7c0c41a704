// Package persistent implements the key/value map that hook programs carry
// across hooks and process restarts.
package persistent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/errs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Error is the error class for persistent map failures
var Error = errs.Class("persistent map")

// Map is the key/value bag carried across hook invocations and process
// restarts. Values are restricted to what google.protobuf.Value can carry:
// nil, bool, numbers, strings, and lists or string-keyed maps of those.
// Numbers are stored as float64 so a value reads the same before and after
// a crash.
//
// A Map is safe for concurrent use.
type Map struct {
	mu     sync.RWMutex
	values map[string]any
}

// New creates an empty persistent map
func New() *Map {
	return &Map{values: make(map[string]any)}
}

// FromMap builds a persistent map from plain Go values, validating each one
func FromMap(in map[string]any) (*Map, error) {
	m := New()
	for k, v := range in {
		if err := m.Put(k, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Put stores value under key after normalizing it to the portable value set
func (m *Map) Put(key string, value any) error {
	if key == "" {
		return Error.New("empty key")
	}
	if _, ok := value.([]byte); ok {
		return Error.New("value for %q: byte slices are not portable", key)
	}
	v, err := structpb.NewValue(value)
	if err != nil {
		return Error.New("value for %q: %v", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v.AsInterface()
	return nil
}

// Get returns the value stored under key
func (m *Map) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// GetString returns the value under key if it is a string
func (m *Map) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Delete removes key
func (m *Map) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// Len returns the number of entries
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Keys returns the keys in sorted order
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsMap returns a shallow copy of the contents
func (m *Map) AsMap() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of the map
func (m *Map) Clone() *Map {
	data, err := m.MarshalJSON()
	if err != nil {
		// every stored value was validated by Put
		panic(fmt.Sprintf("persistent map: clone: %v", err))
	}
	c := New()
	if err := c.UnmarshalJSON(data); err != nil {
		panic(fmt.Sprintf("persistent map: clone: %v", err))
	}
	return c
}

// MarshalJSON encodes the map as a google.protobuf.Struct JSON document
func (m *Map) MarshalJSON() ([]byte, error) {
	s, err := structpb.NewStruct(m.AsMap())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// UnmarshalJSON replaces the contents with the decoded document
func (m *Map) UnmarshalJSON(data []byte) error {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return Error.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = s.AsMap()
	return nil
}
