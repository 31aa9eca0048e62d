// Package device is the device manager: a name-indexed registry of the
// devices known to the process, independent of what kind of device they are.
package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Class int

const (
	ClassUnknown Class = iota
	ClassChar
	ClassBlock
	ClassNetIf
)

func (c Class) String() string {
	switch c {
	case ClassChar:
		return "char"
	case ClassBlock:
		return "block"
	case ClassNetIf:
		return "netif"
	default:
		return "unknown"
	}
}

type Flags uint

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagRemovable
	FlagRDWR = FlagRead | FlagWrite
)

var (
	ErrInvalidName   = errors.New("invalid device name")
	ErrDuplicateName = errors.New("device name already registered")
	ErrNotFound      = errors.New("device not found")
)

// Entry is one registered device.
type Entry struct {
	Name       string
	Class      Class
	Flags      Flags
	Object     interface{}
	Registered time.Time
}

type Snapshot struct {
	Name       string    `json:"name"`
	Class      string    `json:"class"`
	Flags      Flags     `json:"flags"`
	Registered time.Time `json:"registered"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds obj under name. Names are case-insensitive and unique.
func (r *Registry) Register(name string, class Class, flags Flags, obj interface{}) error {
	key := normalise(name)
	if key == "" {
		return ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%q: %w", name, ErrDuplicateName)
	}
	r.entries[key] = &Entry{
		Name:       strings.TrimSpace(name),
		Class:      class,
		Flags:      flags,
		Object:     obj,
		Registered: time.Now(),
	}
	return nil
}

func (r *Registry) Unregister(name string) error {
	key := normalise(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; !exists {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	delete(r.entries, key)
	return nil
}

func (r *Registry) Find(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalise(name)]
	return entry, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns the registered devices sorted by name.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, Snapshot{
			Name:       entry.Name,
			Class:      entry.Class.String(),
			Flags:      entry.Flags,
			Registered: entry.Registered,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
