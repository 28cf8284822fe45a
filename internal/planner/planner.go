// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package planner turns a free-form goal into a chain. An LLM planning call is
// tried first when configured; the rule-based planner is always available as
// the fallback, so planning never fails.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/config"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/task"
	"github.com/traylinx/switchAIFlow/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Chain sources.
const (
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

// DefaultTimeout bounds one planning completion.
const DefaultTimeout = 30 * time.Second

// Completer is the single LLM capability the planner needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Request is one planning request.
type Request struct {
	Goal string `json:"goal"`
	// Input is optional structured input carried into the generation steps.
	Input json.RawMessage `json:"input,omitempty"`
	Files []string        `json:"files,omitempty"`
	// Tier supplies default preferences when Preferences is nil.
	Tier          Tier          `json:"tier,omitempty"`
	Preferences   *Preferences  `json:"preferences,omitempty"`
	PreferredType task.TaskType `json:"preferred_type,omitempty"`
}

// Planner builds chains.
type Planner struct {
	registry  *registry.ModelRegistry
	completer Completer
	timeout   time.Duration
	tiers     config.ImageTiers
	bus       *hooks.EventBus
	metrics   *metrics.Metrics
}

// Option configures a Planner.
type Option func(*Planner)

// WithCompleter enables LLM planning through c.
func WithCompleter(c Completer, timeout time.Duration) Option {
	return func(p *Planner) {
		p.completer = c
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithImageTiers sets the image models suggested per use case.
func WithImageTiers(t config.ImageTiers) Option {
	return func(p *Planner) { p.tiers = t }
}

// WithEventBus publishes plan_fallback events.
func WithEventBus(bus *hooks.EventBus) Option {
	return func(p *Planner) { p.bus = bus }
}

// WithMetrics counts plan fallbacks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New creates a Planner. reg is used to list model aliases and to check that
// suggested models are enabled; it may be nil.
func New(reg *registry.ModelRegistry, opts ...Option) *Planner {
	p := &Planner{registry: reg, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns a chain for req. It never fails: any problem with the LLM plan
// falls back to the rule-based planner.
func (p *Planner) Plan(ctx context.Context, req Request) *task.Chain {
	ctx, span := tracing.Start(ctx, "planner.Plan")
	defer span.End()

	prefs := resolve(req.Preferences, req.Tier)
	var c *task.Chain
	if p.completer != nil {
		var err error
		c, err = p.planWithLLM(ctx, req, prefs)
		if err != nil {
			log.Warnf("planner: LLM plan rejected, using heuristic plan: %v", err)
			p.metrics.RecordPlanFallback()
			evt := hooks.NewEvent(hooks.EventPlanFallback).WithError(err)
			evt.Data["goal"] = req.Goal
			p.bus.PublishAsync(evt)
			c = nil
		}
	}
	if c == nil {
		c = p.heuristic(req, prefs)
	}
	c.ID = uuid.NewString()
	span.SetAttributes(attribute.String("chain_id", c.ID), attribute.String("source", c.Source), attribute.Int("steps", len(c.Steps)))
	log.WithField("chain_id", c.ID).Debugf("planned %d step(s) via %s", len(c.Steps), c.Source)
	return c
}

// Heuristic returns the rule-based plan of req without consulting the LLM.
func (p *Planner) Heuristic(req Request) *task.Chain {
	c := p.heuristic(req, resolve(req.Preferences, req.Tier))
	c.ID = uuid.NewString()
	return c
}

type llmPlan struct {
	Steps []llmStep `json:"steps"`
}

type llmStep struct {
	Type        string          `json:"type"`
	Model       string          `json:"model"`
	Input       json.RawMessage `json:"input"`
	DependsOn   *int            `json:"dependsOn"`
	Description string          `json:"description"`
}

func (p *Planner) planWithLLM(ctx context.Context, req Request, prefs Preferences) (*task.Chain, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload, err := gojson.Marshal(map[string]any{
		"goal":           req.Goal,
		"input":          req.Input,
		"files":          req.Files,
		"preferences":    prefs,
		"preferred_type": req.PreferredType,
	})
	if err != nil {
		return nil, err
	}
	reply, err := p.completer.Complete(ctx, p.systemPrompt(), string(payload))
	if err != nil {
		return nil, fmt.Errorf("planning call: %w", err)
	}
	return p.parsePlan(reply, req, prefs)
}

// parsePlan decodes the strict {"steps": [...]} reply. Fenced or chatty
// replies are tolerated as long as they contain one JSON object.
func (p *Planner) parsePlan(reply string, req Request, prefs Preferences) (*task.Chain, error) {
	raw := extractObject(reply)
	if raw == "" {
		return nil, errors.New("reply contains no JSON object")
	}
	var plan llmPlan
	if err := gojson.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, errors.New("plan has no steps")
	}

	c := &task.Chain{
		Goal:     req.Goal,
		Priority: prefs.Priority,
		Budget:   prefs.Budget,
		Source:   SourceLLM,
		Steps:    make([]task.Step, 0, len(plan.Steps)),
	}
	for i, s := range plan.Steps {
		typ, ok := task.ParseTaskType(s.Type)
		if !ok {
			return nil, fmt.Errorf("step %d: unknown task type %q", i, s.Type)
		}
		model := strings.TrimSpace(s.Model)
		if model != "" && p.registry != nil && !p.registry.IsEnabledFor(model, typ) {
			log.Debugf("planner: dropping unknown model hint %q of step %d", model, i)
			model = ""
		}
		input := s.Input
		if len(input) == 0 || string(input) == "null" {
			input = objectInput(nil, "prompt", req.Goal)
		}
		c.Steps = append(c.Steps, task.Step{
			Type:        typ,
			Model:       model,
			Input:       input,
			DependsOn:   s.DependsOn,
			Description: s.Description,
		})
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// extractObject strips markdown fences and returns the outermost {...} span.
func extractObject(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func (p *Planner) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You plan generative AI work. Split the user's goal into an ordered list of steps.\n")
	b.WriteString("Reply with one JSON object and nothing else:\n")
	b.WriteString(`{"steps":[{"type":"<task type>","model":"<optional model id>","input":{...},"dependsOn":<optional earlier step index>,"description":"..."}]}` + "\n\n")

	b.WriteString("Allowed task types: ")
	types := task.AllTaskTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\n")

	if p.registry != nil {
		b.WriteString("Available models (id: task types, quality 1-10, unit cost):\n")
		for _, m := range p.registry.All() {
			if !m.Enabled {
				continue
			}
			ts := make([]string, len(m.TaskTypes))
			for i, t := range m.TaskTypes {
				ts[i] = string(t)
			}
			fmt.Fprintf(&b, "- %s: %s, quality %d, cost in=%g img=%g video/s=%g\n",
				m.ID, strings.Join(ts, "/"), m.Performance.Quality, m.Cost.InputUnit, m.Cost.PerImage, m.Cost.PerVideoSecond)
		}
	}

	b.WriteString("\nGuidance:\n")
	b.WriteString("- A step that needs an earlier result sets dependsOn to that step's index; the result is merged into its input.\n")
	b.WriteString("- For image goals, first refine the prompt with a text step, then generate the image.\n")
	b.WriteString("- Prefer high-quality models for photo-critical image goals (products, portraits) even if costlier.\n")
	b.WriteString("- Respect the budget in the preferences; prefer cheaper models when quality is low.\n")
	b.WriteString("- Video goals: script (text), storyboard (image), then video.\n")
	b.WriteString("- Leave model empty when unsure.\n")
	return b.String()
}
