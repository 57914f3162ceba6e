package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/vocalis/internal/planner"
	"github.com/MrWong99/vocalis/pkg/provider/stt"
	"github.com/MrWong99/vocalis/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	stt      map[string]func(ProviderEntry) (stt.Provider, error)
	batchSTT map[string]func(ProviderEntry) (stt.BatchTranscriber, error)
	tts      map[string]func(ProviderEntry) (tts.Provider, error)
	planner  map[string]func(ProviderEntry) (planner.Planner, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:      make(map[string]func(ProviderEntry) (stt.Provider, error)),
		batchSTT: make(map[string]func(ProviderEntry) (stt.BatchTranscriber, error)),
		tts:      make(map[string]func(ProviderEntry) (tts.Provider, error)),
		planner:  make(map[string]func(ProviderEntry) (planner.Planner, error)),
	}
}

// RegisterSTT registers a streaming STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterBatchSTT registers a batch transcriber factory under name.
func (r *Registry) RegisterBatchSTT(name string, factory func(ProviderEntry) (stt.BatchTranscriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchSTT[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterPlanner registers a planner factory under name.
func (r *Registry) RegisterPlanner(name string, factory func(ProviderEntry) (planner.Planner, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planner[name] = factory
}

// CreateSTT instantiates a streaming STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateBatchSTT instantiates a batch transcriber using the factory registered under entry.Name.
func (r *Registry) CreateBatchSTT(entry ProviderEntry) (stt.BatchTranscriber, error) {
	return create(r, r.batchSTT, "batch_stt", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreatePlanner instantiates a planner using the factory registered under entry.Name.
func (r *Registry) CreatePlanner(entry ProviderEntry) (planner.Planner, error) {
	return create(r, r.planner, "planner", entry)
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
