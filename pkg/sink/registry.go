package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrSinkNotRegistered is returned by [Registry.Decode] when no factory has
// been registered under the envelope's type.
var ErrSinkNotRegistered = errors.New("sink: type not registered")

// Envelope is the serialised form of a Sink exchanged with the parent process.
type Envelope struct {
	// Type selects the factory in the [Registry].
	Type string `json:"type"`

	// Config is passed verbatim to the factory on the way in.
	Config json.RawMessage `json:"config,omitempty"`

	// State carries the sink's result on the way out.
	State json.RawMessage `json:"state,omitempty"`
}

// Factory constructs a Sink from its handoff configuration.
type Factory func(config json.RawMessage) (Sink, error)

// Registry maps sink type names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in sinks registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(MemoryType, NewMemoryFromConfig)
	r.Register(FileType, NewFileFromConfig)
	return r
}

// Register registers factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Types returns the registered sink type names in no particular order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Decode parses a serialised envelope and constructs the Sink it describes.
func (r *Registry) Decode(data []byte) (Sink, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("sink: decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("sink: decode envelope: missing type")
	}

	r.mu.RLock()
	factory, ok := r.factories[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSinkNotRegistered, env.Type)
	}

	s, err := factory(env.Config)
	if err != nil {
		return nil, fmt.Errorf("sink: create %q: %w", env.Type, err)
	}
	return s, nil
}

// Encode serialises s into an envelope carrying its result state.
func Encode(s Sink) ([]byte, error) {
	state, err := s.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("sink: marshal %q state: %w", s.Type(), err)
	}
	data, err := json.Marshal(Envelope{Type: s.Type(), State: state})
	if err != nil {
		return nil, fmt.Errorf("sink: encode envelope: %w", err)
	}
	return data, nil
}
