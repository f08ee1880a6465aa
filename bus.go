package feedbackbridge

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Publisher sends one message on a topic.
type Publisher interface {
	Publish(topic string, msg interface{}) error
}

// Handler receives messages for a subscribed topic.
type Handler func(topic string, msg interface{}) error

// ServiceHandler answers a request made through Call.
type ServiceHandler func(request interface{}) (interface{}, error)

// Bus is an in-process topic and service registry. The last message on each
// topic is latched.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]map[uuid.UUID]Handler
	topics   map[uuid.UUID]string
	latest   map[string]interface{}
	services map[string]ServiceHandler
}

func NewBus() *Bus {
	return &Bus{
		subs:     map[string]map[uuid.UUID]Handler{},
		topics:   map[uuid.UUID]string{},
		latest:   map[string]interface{}{},
		services: map[string]ServiceHandler{},
	}
}

// Publish latches msg and hands it to every subscriber of topic. All
// subscribers run even if some fail; their errors are combined.
func (b *Bus) Publish(topic string, msg interface{}) error {
	b.mu.Lock()
	b.latest[topic] = msg
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	var err error
	for _, h := range handlers {
		err = multierr.Append(err, h(topic, msg))
	}
	return err
}

// Subscribe registers fn for topic and returns an id for Unsubscribe.
func (b *Bus) Subscribe(topic string, fn Handler) uuid.UUID {
	id := uuid.New()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[uuid.UUID]Handler{}
	}
	b.subs[topic][id] = fn
	b.topics[id] = topic
	return id
}

func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.topics[id]
	if !ok {
		return
	}
	delete(b.topics, id)
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Latest returns the last message published on topic.
func (b *Bus) Latest(topic string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.latest[topic]
	return msg, ok
}

// RegisterService installs fn as the handler for name.
func (b *Bus) RegisterService(name string, fn ServiceHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.services[name]; ok {
		return fmt.Errorf("service %q already registered", name)
	}
	b.services[name] = fn
	return nil
}

func (b *Bus) UnregisterService(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services, name)
}

// Call invokes the service registered under name.
func (b *Bus) Call(name string, request interface{}) (interface{}, error) {
	b.mu.RLock()
	fn, ok := b.services[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no service %q", name)
	}
	return fn(request)
}
