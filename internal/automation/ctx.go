package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mirai/internal/ha"
	"mirai/internal/statecache"

	"go.uber.org/zap"
)

// ErrInvalidService is returned by CallService for names that are not
// "domain.service".
var ErrInvalidService = errors.New("invalid service name, expected \"domain.service\"")

// ServiceCaller sends fire-and-forget commands to Home Assistant.
type ServiceCaller interface {
	SendCommand(cmd ha.Command)
}

// MQTTPublisher publishes messages to the broker without blocking.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte)
}

// StateReader reads the entity state cache.
type StateReader interface {
	Get(entityID string) (statecache.EntityState, error)
	All() []statecache.EntityState
}

// GlobalStore is the shared durable key-value store.
type GlobalStore interface {
	Get(key string, def interface{}) (interface{}, error)
	Set(key string, value interface{}) error
	Delete(key string) error
}

// targetKeys are the addressing keys CallService lifts out of the data
// map into the command's target object.
var targetKeys = []string{"entity_id", "device_id", "area_id"}

// Ctx is the runtime context handed to an automation's factory. All
// helpers are safe to call from inside callbacks; none of them block on
// the network.
type Ctx struct {
	name    string
	ha      ServiceCaller
	mqtt    MQTTPublisher
	states  StateReader
	globals GlobalStore
	logger  *zap.Logger
	actor   *Actor
}

// Name returns the automation's registered name.
func (c *Ctx) Name() string {
	return c.name
}

// Logger returns the automation's named logger.
func (c *Ctx) Logger() *zap.Logger {
	return c.logger
}

// CallService issues a Home Assistant service call. The service is
// addressed as "domain.service"; targeting keys (entity_id, device_id,
// area_id) found in data are moved into the call's target object and the
// remainder is sent as service_data. Fire-and-forget: a call issued
// while the connector is down is dropped with a warning there.
func (c *Ctx) CallService(service string, data map[string]interface{}) error {
	i := strings.Index(service, ".")
	if i <= 0 || i == len(service)-1 {
		c.logger.Warn("invalid service name", zap.String("service", service))
		return fmt.Errorf("%q: %w", service, ErrInvalidService)
	}

	var target map[string]interface{}
	serviceData := make(map[string]interface{}, len(data))
	for k, v := range data {
		serviceData[k] = v
	}
	for _, key := range targetKeys {
		if v, ok := serviceData[key]; ok {
			if target == nil {
				target = make(map[string]interface{})
			}
			target[key] = v
			delete(serviceData, key)
		}
	}
	if len(serviceData) == 0 {
		serviceData = nil
	}

	c.ha.SendCommand(ha.Command{
		Type:        "call_service",
		Domain:      service[:i],
		Service:     service[i+1:],
		ServiceData: serviceData,
		Target:      target,
	})
	return nil
}

// GetState reads an entity from the state cache.
func (c *Ctx) GetState(entityID string) (statecache.EntityState, error) {
	return c.states.Get(entityID)
}

// MustGetState reads an entity and panics when it is missing. Inside a
// callback the panic is caught by the actor and treated as a callback
// failure.
func (c *Ctx) MustGetState(entityID string) statecache.EntityState {
	es, err := c.states.Get(entityID)
	if err != nil {
		panic(err)
	}
	return es
}

// AllStates returns every cached entity, sorted by entity id.
func (c *Ctx) AllStates() []statecache.EntityState {
	return c.states.All()
}

// GetGlobal reads a key from the shared durable store, returning def
// when the key is absent.
func (c *Ctx) GetGlobal(key string, def interface{}) (interface{}, error) {
	return c.globals.Get(key, def)
}

// SetGlobal durably writes a key to the shared store.
func (c *Ctx) SetGlobal(key string, value interface{}) error {
	return c.globals.Set(key, value)
}

// DeleteGlobal removes a key from the shared store.
func (c *Ctx) DeleteGlobal(key string) error {
	return c.globals.Delete(key)
}

// PublishMQTT publishes a broker message without blocking the callback.
func (c *Ctx) PublishMQTT(topic string, payload []byte, qos byte) {
	c.mqtt.Publish(topic, payload, qos)
}

// ScheduleTimer arms a named timer on this automation. Scheduling a name
// that is already armed cancels the previous timer first, so at most one
// timer exists per name. When it fires, HandleMessage(name, ...) runs.
func (c *Ctx) ScheduleTimer(name string, delay time.Duration) {
	c.actor.scheduleTimer(name, delay)
}

// CancelTimer cancels a named timer. Cancelling an unknown or already
// fired name is a no-op.
func (c *Ctx) CancelTimer(name string) {
	c.actor.cancelTimer(name)
}
