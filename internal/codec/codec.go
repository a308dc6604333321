package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/devrev/datagrid/internal/model"
)

// Codec encodes and decodes values crossing the wire. The dispatch core only
// calls it; the format is interchangeable.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSON is the default codec.
type JSON struct{}

// Encode implements Codec
func (JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec
func (JSON) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Registry maps operation type names to factories so inbound packets can be
// decoded to concrete operation types. Registration is expected at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() model.Operation
	names     map[reflect.Type]string
}

// NewRegistry creates an empty operation type registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func() model.Operation),
		names:     make(map[reflect.Type]string),
	}
}

// Register binds an operation type name to its factory. Registering the same
// name twice panics; type names are startup configuration.
func (r *Registry) Register(name string, factory func() model.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("operation type %q registered twice", name))
	}
	r.factories[name] = factory
	r.names[reflect.TypeOf(factory())] = name
}

// New returns a fresh zero-value operation for the given type name.
func (r *Registry) New(name string) (model.Operation, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown operation type %q", name)
	}
	return factory(), nil
}

// NameOf returns the registered type name of op.
func (r *Registry) NameOf(op model.Operation) (string, error) {
	r.mu.RLock()
	name, ok := r.names[reflect.TypeOf(op)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unregistered operation type %T", op)
	}
	return name, nil
}
