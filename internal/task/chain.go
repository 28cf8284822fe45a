// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package task

import (
	"encoding/json"
	"fmt"
)

// Step is one entry of a chain. DependsOn, when set, names an earlier step whose
// successful result is merged into this step's input before dispatch.
type Step struct {
	Type        TaskType        `json:"type"`
	Model       string          `json:"model,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	DependsOn   *int            `json:"dependsOn,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Chain is an ordered list of steps produced by the planner.
type Chain struct {
	ID       string   `json:"id"`
	Goal     string   `json:"goal,omitempty"`
	Steps    []Step   `json:"steps"`
	Priority Priority `json:"priority"`
	Budget   Budget   `json:"budget"`
	// Source records how the chain was produced: "llm", "heuristic" or "definition".
	Source string `json:"source,omitempty"`
}

// DependsOn is a small helper for building steps.
func DependsOn(index int) *int {
	return &index
}

// Validate checks the structural invariants of the chain: at least one step,
// known task types, and every dependency pointing at an earlier step.
func (c *Chain) Validate() error {
	if c == nil || len(c.Steps) == 0 {
		return fmt.Errorf("%w: chain has no steps", ErrInvalidChain)
	}
	for i, step := range c.Steps {
		if _, ok := ParseTaskType(string(step.Type)); !ok {
			return fmt.Errorf("%w: step %d has unknown task type %q", ErrInvalidChain, i, step.Type)
		}
		if step.DependsOn == nil {
			continue
		}
		dep := *step.DependsOn
		if dep < 0 || dep >= i {
			return fmt.Errorf("%w: step %d depends on %d which is not an earlier step", ErrInvalidChain, i, dep)
		}
	}
	return nil
}
