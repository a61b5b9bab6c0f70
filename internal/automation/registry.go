package automation

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Registry holds automation registrations. Automations register from
// init() functions, so the full set is stable before the supervisor
// starts any actor.
type Registry struct {
	mu    sync.RWMutex
	infos map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{infos: make(map[string]Info)}
}

// Register adds an automation. Names must be unique.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("automation name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("automation %s: factory cannot be nil", info.Name)
	}
	if _, exists := r.infos[info.Name]; exists {
		return fmt.Errorf("automation %s: already registered", info.Name)
	}

	r.infos[info.Name] = info
	log.Printf("Automation %q registered: %s", info.Name, info.Description)
	return nil
}

// List returns all registered automations sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	infos := r.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// Clear removes all registrations. Useful for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = make(map[string]Info)
}

var globalRegistry = NewRegistry()

// Register adds an automation to the global registry. Typically called
// from init() in automation packages; panics on a bad registration so
// mistakes surface at process start.
func Register(info Info) {
	if err := globalRegistry.Register(info); err != nil {
		panic(err)
	}
}

// List returns all automations from the global registry.
func List() []Info {
	return globalRegistry.List()
}

// ClearGlobal clears the global registry. Useful for tests.
func ClearGlobal() {
	globalRegistry.Clear()
}
