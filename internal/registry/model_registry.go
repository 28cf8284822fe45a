// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry holds the static catalogue of model backends. The registry is
// built once at startup and is read-only afterwards, so it needs no locking.
package registry

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/config"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// Cost is the unit cost vector of a model.
type Cost struct {
	InputUnit      float64 `json:"input_unit"`
	OutputUnit     float64 `json:"output_unit"`
	PerImage       float64 `json:"per_image"`
	PerVideoSecond float64 `json:"per_video_second"`
}

// Performance scores a model on a 1-10 scale per dimension.
type Performance struct {
	Speed       int `json:"speed"`
	Quality     int `json:"quality"`
	Reliability int `json:"reliability"`
}

// Model describes one backend. Values returned by the registry must be treated
// as read-only.
type Model struct {
	// ID is the unique identifier for the model
	ID string `json:"id"`
	// Provider names the credential family
	Provider string `json:"provider"`
	// Adapter names the execution adapter
	Adapter string `json:"adapter"`
	// BaseURL is used by HTTP adapters
	BaseURL string `json:"-"`
	// Script is used by the lua adapter
	Script string `json:"-"`
	// TaskTypes lists supported task types in declaration order
	TaskTypes []task.TaskType `json:"task_types"`
	// Credentials is the credential list handed to the credential pool
	Credentials []string `json:"-"`
	// Fallbacks is the statically declared fallback list
	Fallbacks   []string    `json:"fallbacks,omitempty"`
	Cost        Cost        `json:"cost"`
	Performance Performance `json:"performance"`
	// Enabled is false when the model has no credentials, no adapter or was disabled.
	Enabled        bool   `json:"enabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	// Order is the declaration index, used to break recommender ties.
	Order int `json:"-"`

	types map[task.TaskType]struct{}
}

// Supports reports whether the model declares the task type.
func (m *Model) Supports(t task.TaskType) bool {
	_, ok := m.types[t]
	return ok
}

// ModelRegistry manages the catalogue of configured models.
type ModelRegistry struct {
	models map[string]*Model
	order  []*Model
}

// New builds a registry from fully populated models. Declaration order is the
// slice order; duplicate ids keep the first entry.
func New(models []*Model) *ModelRegistry {
	r := &ModelRegistry{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if m == nil || m.ID == "" {
			continue
		}
		if _, dup := r.models[m.ID]; dup {
			log.Warnf("registry: duplicate model %s ignored", m.ID)
			continue
		}
		m.Order = len(r.order)
		m.types = make(map[task.TaskType]struct{}, len(m.TaskTypes))
		for _, t := range m.TaskTypes {
			m.types[t] = struct{}{}
		}
		r.models[m.ID] = m
		r.order = append(r.order, m)
	}
	return r
}

// Options controls how FromConfig derives the enabled flag.
type Options struct {
	// LookupEnv resolves credential environment variables; defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// AdapterAvailable reports whether an execution adapter is registered for a
	// kind. Nil treats every adapter as available.
	AdapterAvailable func(kind string) bool
	// Unavailable maps model ids to a reason they cannot run, e.g. a script
	// that failed to load.
	Unavailable map[string]string
}

// FromConfig builds the registry from configuration. A model is disabled when it
// is explicitly disabled, has no credentials, declares no valid task type, or its
// adapter is not registered.
func FromConfig(models []config.ModelConfig, opts Options) *ModelRegistry {
	out := make([]*Model, 0, len(models))
	for _, mc := range models {
		m := &Model{
			ID:          mc.ID,
			Provider:    mc.Provider,
			Adapter:     mc.Adapter,
			BaseURL:     mc.BaseURL,
			Script:      mc.Script,
			Credentials: mc.ResolveCredentials(opts.LookupEnv),
			Fallbacks:   append([]string(nil), mc.Fallbacks...),
			Cost: Cost{
				InputUnit:      mc.Cost.InputUnit,
				OutputUnit:     mc.Cost.OutputUnit,
				PerImage:       mc.Cost.PerImage,
				PerVideoSecond: mc.Cost.PerVideoSecond,
			},
			Performance: Performance{
				Speed:       mc.Performance.Speed,
				Quality:     mc.Performance.Quality,
				Reliability: mc.Performance.Reliability,
			},
		}
		for _, raw := range mc.TaskTypes {
			t, ok := task.ParseTaskType(raw)
			if !ok {
				log.Warnf("registry: model %s declares unknown task type %q", mc.ID, raw)
				continue
			}
			m.TaskTypes = append(m.TaskTypes, t)
		}

		switch {
		case mc.Disabled:
			m.DisabledReason = "disabled in configuration"
		case len(m.TaskTypes) == 0:
			m.DisabledReason = "no supported task types"
		case len(m.Credentials) == 0:
			m.DisabledReason = fmt.Sprintf("no credentials (set %s)", mc.CredentialEnvName())
		case opts.AdapterAvailable != nil && !opts.AdapterAvailable(mc.Adapter):
			m.DisabledReason = fmt.Sprintf("adapter %q not registered", mc.Adapter)
		case opts.Unavailable[mc.ID] != "":
			m.DisabledReason = opts.Unavailable[mc.ID]
		default:
			m.Enabled = true
		}
		if !m.Enabled {
			log.Infof("registry: model %s disabled: %s", m.ID, m.DisabledReason)
		}
		out = append(out, m)
	}
	return New(out)
}

// Get looks up a model by identifier.
func (r *ModelRegistry) Get(id string) (*Model, bool) {
	m, ok := r.models[id]
	return m, ok
}

// All returns every model in declaration order.
func (r *ModelRegistry) All() []*Model {
	return append([]*Model(nil), r.order...)
}

// EnabledFor returns the enabled models supporting t, in declaration order.
func (r *ModelRegistry) EnabledFor(t task.TaskType) []*Model {
	var out []*Model
	for _, m := range r.order {
		if m.Enabled && m.Supports(t) {
			out = append(out, m)
		}
	}
	return out
}

// IsEnabledFor reports whether id names an enabled model supporting t.
func (r *ModelRegistry) IsEnabledFor(id string, t task.TaskType) bool {
	m, ok := r.models[id]
	return ok && m.Enabled && m.Supports(t)
}
