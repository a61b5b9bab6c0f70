// Package statecache maintains the live view of Home Assistant entity
// states: bootstrapped from the REST API, kept current from the event
// stream by a single writer goroutine.
package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"mirai/internal/bus"
	"mirai/internal/event"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Get for entities never observed.
var ErrNotFound = errors.New("entity not found")

// bootstrapTimeout bounds the whole REST snapshot call.
const bootstrapTimeout = 10 * time.Second

// EntityState is the cached view of one entity.
type EntityState struct {
	EntityID    string
	State       interface{}
	Attributes  map[string]interface{}
	LastChanged time.Time
	LastUpdated time.Time
}

// Cache is a concurrent-read map of entity states. All mutations flow
// through one writer goroutine so events apply in receive order.
type Cache struct {
	mu       sync.RWMutex
	entities map[string]EntityState

	snapshots chan []EntityState
	logger    *zap.Logger
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates an empty cache.
func New(logger *zap.Logger) *Cache {
	return &Cache{
		entities:  make(map[string]EntityState),
		snapshots: make(chan []EntityState, 1),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the writer goroutine consuming the given "ha:events"
// subscription. Bootstrap snapshots are applied by the same goroutine,
// so a late-arriving event always overwrites the snapshot entry.
func (c *Cache) Start(sub *bus.Subscription) {
	c.wg.Add(1)
	go c.writeLoop(sub)
}

// Stop terminates the writer goroutine.
func (c *Cache) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cache) writeLoop(sub *bus.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			c.apply(ev)
		case snapshot := <-c.snapshots:
			c.mu.Lock()
			for _, es := range snapshot {
				c.entities[es.EntityID] = es
			}
			c.mu.Unlock()
			c.logger.Info("state snapshot applied", zap.Int("entities", len(snapshot)))
		}
	}
}

func (c *Cache) apply(ev *event.Event) {
	if ev == nil || ev.Type != event.TypeStateChanged || ev.EntityID == "" {
		return
	}
	if ev.NewState == nil {
		// Entity removed from HA; the cache keeps the last known state.
		return
	}

	es := EntityState{
		EntityID:    ev.EntityID,
		State:       ev.NewState.State,
		Attributes:  ev.Attributes,
		LastChanged: ev.NewState.LastChanged,
		LastUpdated: ev.NewState.LastUpdated,
	}

	c.mu.Lock()
	c.entities[ev.EntityID] = es
	c.mu.Unlock()
}

// restState mirrors one element of the GET /api/states response.
type restState struct {
	EntityID    string                 `json:"entity_id"`
	State       interface{}            `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Bootstrap fetches the full state snapshot from the HA REST API and
// hands it to the writer goroutine. Intended to run in its own goroutine
// off the startup path; on any failure it logs and returns the error,
// and the cache fills from live events instead.
func (c *Cache) Bootstrap(ctx context.Context, baseURL, token string) error {
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/states", nil)
	if err != nil {
		return fmt.Errorf("build states request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.logger.Error("state bootstrap failed, continuing without snapshot", zap.Error(err))
		return fmt.Errorf("fetch states: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("state bootstrap failed, continuing without snapshot",
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("fetch states: unexpected status %d", resp.StatusCode)
	}

	var states []restState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		c.logger.Error("state bootstrap failed, continuing without snapshot", zap.Error(err))
		return fmt.Errorf("decode states: %w", err)
	}

	snapshot := make([]EntityState, 0, len(states))
	for _, s := range states {
		snapshot = append(snapshot, EntityState{
			EntityID:    s.EntityID,
			State:       s.State,
			Attributes:  s.Attributes,
			LastChanged: s.LastChanged,
			LastUpdated: s.LastUpdated,
		})
	}

	select {
	case c.snapshots <- snapshot:
	case <-c.done:
	}
	return nil
}

// Get returns the cached state for entityID, or ErrNotFound.
func (c *Cache) Get(entityID string) (EntityState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	es, ok := c.entities[entityID]
	if !ok {
		return EntityState{}, fmt.Errorf("%q: %w", entityID, ErrNotFound)
	}
	return es, nil
}

// All returns every cached entity, sorted by entity id.
func (c *Cache) All() []EntityState {
	c.mu.RLock()
	result := make([]EntityState, 0, len(c.entities))
	for _, es := range c.entities {
		result = append(result, es)
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EntityID < result[j].EntityID
	})
	return result
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}
