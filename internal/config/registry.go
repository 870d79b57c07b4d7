package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
)

// ErrCodecNotRegistered is returned by [Registry.CreateCodec] when no factory
// has been registered under the requested name.
var ErrCodecNotRegistered = errors.New("config: codec not registered")

// CodecFactory builds a codec provider. A nil provider with a nil error
// disables PCM encode and decode.
type CodecFactory func() (codec.Provider, error)

// Registry maps codec names to their constructor functions. It is built once
// in main and resolved when the voice connection is created. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]CodecFactory
}

// NewRegistry returns a [Registry] that already knows [CodecNone].
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]CodecFactory)}
	r.RegisterCodec(CodecNone, func() (codec.Provider, error) { return nil, nil })
	return r
}

// RegisterCodec registers a codec factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCodec(name string, factory CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = factory
}

// CreateCodec instantiates the codec registered under name.
// Returns [ErrCodecNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCodec(name string) (codec.Provider, error) {
	r.mu.RLock()
	factory, ok := r.codecs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrCodecNotRegistered, name, r.Codecs())
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("config: create codec %q: %w", name, err)
	}
	return p, nil
}

// Codecs returns the registered names in sorted order.
func (r *Registry) Codecs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
