// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chain

import (
	"fmt"
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// definition is the YAML layout of a chain file.
type definition struct {
	ID       string           `yaml:"id"`
	Goal     string           `yaml:"goal"`
	Priority string           `yaml:"priority"`
	Budget   string           `yaml:"budget"`
	Steps    []stepDefinition `yaml:"steps"`
}

type stepDefinition struct {
	Type        string `yaml:"type"`
	Model       string `yaml:"model"`
	Description string `yaml:"description"`
	DependsOn   *int   `yaml:"dependsOn"`
	Input       any    `yaml:"input"`
}

// LoadDefinition reads a chain from a YAML file.
//
// Example:
//
//	id: launch-poster
//	priority: high
//	steps:
//	  - type: text
//	    input: {prompt: "Write a tagline for a coffee brand"}
//	  - type: image
//	    dependsOn: 0
//	    input: {width: 1024, height: 1024}
func LoadDefinition(path string) (*task.Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a YAML chain definition.
func ParseDefinition(data []byte) (*task.Chain, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrInvalidChain, err)
	}

	priority, _ := task.ParsePriority(def.Priority)
	budget, _ := task.ParseBudget(def.Budget)
	c := &task.Chain{
		ID:       def.ID,
		Goal:     def.Goal,
		Priority: priority,
		Budget:   budget,
		Source:   "definition",
		Steps:    make([]task.Step, 0, len(def.Steps)),
	}
	for i, s := range def.Steps {
		typ, ok := task.ParseTaskType(s.Type)
		if !ok {
			return nil, fmt.Errorf("%w: step %d has unknown task type %q", task.ErrInvalidChain, i, s.Type)
		}
		step := task.Step{
			Type:        typ,
			Model:       s.Model,
			DependsOn:   s.DependsOn,
			Description: s.Description,
		}
		if s.Input != nil {
			raw, err := gojson.Marshal(s.Input)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d input: %v", task.ErrInvalidChain, i, err)
			}
			step.Input = raw
		}
		c.Steps = append(c.Steps, step)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
