package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// Capability flags what a device type supports.
type Capability uint32

const (
	CanConnect Capability = 1 << iota
	CanDisconnect
	CanRead
	CanWrite
	CanSubscribe
	CanScan
	CanDiagnose
	SupportsBatch
)

// Has reports whether all flags in f are set.
func (c Capability) Has(f Capability) bool {
	return c&f == f
}

// defaultCapabilities is what every built-in category starts with.
const defaultCapabilities = CanConnect | CanDisconnect | CanRead | CanWrite | CanScan | CanDiagnose

// TypeInfo describes one registrable device type.
type TypeInfo struct {
	Name         string            `json:"name"`
	Category     domain.DeviceType `json:"category"`
	DisplayName  string            `json:"displayName"`
	Description  string            `json:"description,omitempty"`
	Backend      string            `json:"backend"`
	Version      string            `json:"version,omitempty"`
	Capabilities Capability        `json:"capabilities"`
	Priority     int               `json:"priority"`
	Enabled      bool              `json:"enabled"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// TypeEventKind classifies type registry notifications.
type TypeEventKind int

const (
	TypeRegistered TypeEventKind = iota
	TypeUnregistered
	TypeEnabled
	TypeDisabled
)

// TypeEvent notifies subscribers of a type registry change.
type TypeEvent struct {
	Kind TypeEventKind
	Info TypeInfo
}

// TypeRegistry tracks device types and their capabilities. It seeds
// the built-in observatory categories so lookups never start empty.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*TypeInfo
	subs  []func(TypeEvent)
}

// NewTypeRegistry creates a registry seeded with the built-in
// categories.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]*TypeInfo)}
	for i, cat := range domain.DeviceTypes() {
		r.types[string(cat)] = &TypeInfo{
			Name:         string(cat),
			Category:     cat,
			DisplayName:  string(cat),
			Backend:      "builtin",
			Capabilities: defaultCapabilities,
			Priority:     i,
			Enabled:      true,
		}
	}
	return r
}

// RegisterType installs or replaces a type and notifies subscribers.
func (r *TypeRegistry) RegisterType(info TypeInfo) error {
	if info.Name == "" {
		return fmt.Errorf("%w: type needs a name", domain.ErrInvalidConfig)
	}
	if info.Category == "" {
		info.Category = domain.DeviceType(info.Name)
	}
	if info.DisplayName == "" {
		info.DisplayName = info.Name
	}

	r.mu.Lock()
	r.types[info.Name] = &info
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, TypeEvent{Kind: TypeRegistered, Info: info})
	return nil
}

// UnregisterType removes a type and notifies subscribers.
func (r *TypeRegistry) UnregisterType(name string) error {
	r.mu.Lock()
	info, ok := r.types[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTypeNotFound, name)
	}
	removed := *info
	delete(r.types, name)
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, TypeEvent{Kind: TypeUnregistered, Info: removed})
	return nil
}

// SetEnabled toggles a type and notifies subscribers on change.
func (r *TypeRegistry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	info, ok := r.types[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTypeNotFound, name)
	}
	if info.Enabled == enabled {
		r.mu.Unlock()
		return nil
	}
	info.Enabled = enabled
	changed := *info
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	kind := TypeEnabled
	if !enabled {
		kind = TypeDisabled
	}
	notify(subs, TypeEvent{Kind: kind, Info: changed})
	return nil
}

// Type returns one type's info.
func (r *TypeRegistry) Type(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[name]
	if !ok {
		return TypeInfo{}, false
	}
	return *info, true
}

// Types returns all types ordered by priority then name.
func (r *TypeRegistry) Types() []TypeInfo {
	r.mu.RLock()
	out := make([]TypeInfo, 0, len(r.types))
	for _, info := range r.types {
		out = append(out, *info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// EnabledTypes returns only enabled types, ordered like Types.
func (r *TypeRegistry) EnabledTypes() []TypeInfo {
	all := r.Types()
	out := all[:0]
	for _, info := range all {
		if info.Enabled {
			out = append(out, info)
		}
	}
	return out
}

// CategoryStats counts registered types per category.
func (r *TypeRegistry) CategoryStats() map[domain.DeviceType]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.DeviceType]int)
	for _, info := range r.types {
		out[info.Category]++
	}
	return out
}

// OnChange subscribes to type registry notifications.
func (r *TypeRegistry) OnChange(fn func(TypeEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *TypeRegistry) snapshotSubsLocked() []func(TypeEvent) {
	subs := make([]func(TypeEvent), len(r.subs))
	copy(subs, r.subs)
	return subs
}

func notify(subs []func(TypeEvent), ev TypeEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}
