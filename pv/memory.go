package pv

import (
	"fmt"
	"sync"
)

// Hook is called after a put to a PV lands in a Memory store
type Hook func(name, value string)

// Put is a journal entry of one write to a Memory store
type Put struct {
	Name  string
	Value string
	Wait  bool
}

// Memory is a concurrent-safe in-memory PV store.  Unknown PVs read as
// ErrNotFound unless they have been Set or Put.
//
// Hooks registered with OnPut run synchronously after the value is stored and
// outside the store's lock, so a hook may itself read and write PVs.
type Memory struct {
	mu      sync.RWMutex
	vals    map[string]string
	hooks   map[string][]Hook
	journal []Put
}

// NewMemory returns an empty store
func NewMemory() *Memory {
	return &Memory{
		vals:  make(map[string]string),
		hooks: make(map[string][]Hook),
	}
}

// Set seeds a value without running hooks or touching the journal
func (m *Memory) Set(name string, v interface{}) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = FormatFloat(t)
	case int:
		s = FormatFloat(float64(t))
	case bool:
		s = "0"
		if t {
			s = "1"
		}
	default:
		s = fmt.Sprint(t)
	}
	m.mu.Lock()
	m.vals[name] = s
	m.mu.Unlock()
}

// OnPut registers a hook for puts to name
func (m *Memory) OnPut(name string, h Hook) {
	m.mu.Lock()
	m.hooks[name] = append(m.hooks[name], h)
	m.mu.Unlock()
}

// GetString returns the stored text of a PV
func (m *Memory) GetString(name string) (string, error) {
	m.mu.RLock()
	s, ok := m.vals[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, nil
}

// GetFloat returns the numeric value of a PV
func (m *Memory) GetFloat(name string) (float64, error) {
	s, err := m.GetString(name)
	if err != nil {
		return 0, err
	}
	return ParseFloat(name, s)
}

// PutFloat stores a numeric value and runs any hooks
func (m *Memory) PutFloat(name string, v float64, wait bool) error {
	return m.PutString(name, FormatFloat(v), wait)
}

// PutString stores a value and runs any hooks
func (m *Memory) PutString(name string, s string, wait bool) error {
	m.mu.Lock()
	m.vals[name] = s
	m.journal = append(m.journal, Put{Name: name, Value: s, Wait: wait})
	hooks := append([]Hook(nil), m.hooks[name]...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(name, s)
	}
	return nil
}

// Journal returns a copy of every put made so far, in order
func (m *Memory) Journal() []Put {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Put(nil), m.journal...)
}

// ResetJournal forgets all journaled puts
func (m *Memory) ResetJournal() {
	m.mu.Lock()
	m.journal = nil
	m.mu.Unlock()
}

// Snapshot copies every stored value
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.vals))
	for k, v := range m.vals {
		out[k] = v
	}
	return out
}
