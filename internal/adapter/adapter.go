// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package adapter defines the uniform execution capability through which every
// model backend is reached, and the startup-time registry of implementations.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/traylinx/switchAIFlow/internal/credential"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// Adapter kinds known to the server.
const (
	KindOpenAICompat = "openai-compat"
	KindLua          = "lua"
)

// Call is one execution request handed to an adapter. Request is passed
// through opaquely; adapters only inject what their provider needs.
type Call struct {
	Model      *registry.Model
	TaskType   task.TaskType
	Request    []byte
	Credential credential.Credential
}

// Adapter executes one call against a provider and returns a JSON result.
type Adapter interface {
	Execute(ctx context.Context, call Call) ([]byte, error)
}

// Func adapts an ordinary function to the Adapter interface.
type Func func(ctx context.Context, call Call) ([]byte, error)

// Execute implements Adapter.
func (f Func) Execute(ctx context.Context, call Call) ([]byte, error) {
	return f(ctx, call)
}

// Registry maps adapter kinds, and optionally individual model ids, to
// implementations. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	byKind  map[string]Adapter
	byModel map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		byKind:  make(map[string]Adapter),
		byModel: make(map[string]Adapter),
	}
}

// Register binds an adapter to a kind.
func (r *Registry) Register(kind string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = a
}

// RegisterModel binds an adapter to a single model id, overriding its kind.
func (r *Registry) RegisterModel(modelID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[modelID] = a
}

// Has reports whether an adapter is registered for kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKind[kind]
	return ok
}

// Resolve returns the adapter serving m.
func (r *Registry) Resolve(m *registry.Model) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byModel[m.ID]; ok {
		return a, nil
	}
	if a, ok := r.byKind[m.Adapter]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("no adapter registered for model %s (kind %q)", m.ID, m.Adapter)
}
