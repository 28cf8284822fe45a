// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adapter

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/switchAIFlow/internal/credential"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// completionPaths are probed in order to extract text from a completion result.
var completionPaths = []string{"choices.0.message.content", "choices.0.text", "content", "text", "output"}

// Completer sends a single chat completion to one text model. It backs the
// planner's "complete(systemPrompt, userPayload)" capability.
type Completer struct {
	adapters *Registry
	model    *registry.Model
	pool     *credential.Pool
}

// NewCompleter binds a completer to a model.
func NewCompleter(adapters *Registry, model *registry.Model, pool *credential.Pool) *Completer {
	return &Completer{adapters: adapters, model: model, pool: pool}
}

// Complete sends system and user as a two-message chat and returns the reply text.
func (c *Completer) Complete(ctx context.Context, system, user string) (string, error) {
	cred, ok := c.pool.Next(c.model.ID)
	if !ok {
		return "", fmt.Errorf("%w for %s", task.ErrNoAvailableCredential, c.model.ID)
	}
	a, err := c.adapters.Resolve(c.model)
	if err != nil {
		return "", err
	}

	req := []byte(`{}`)
	req, _ = sjson.SetBytes(req, "messages.0.role", "system")
	req, _ = sjson.SetBytes(req, "messages.0.content", system)
	req, _ = sjson.SetBytes(req, "messages.1.role", "user")
	req, _ = sjson.SetBytes(req, "messages.1.content", user)
	req, _ = sjson.SetBytes(req, "temperature", 0.2)

	out, err := a.Execute(ctx, Call{Model: c.model, TaskType: task.TypeText, Request: req, Credential: cred})
	if err != nil {
		c.pool.RecordFailure(cred)
		return "", fmt.Errorf("%w: %v", task.ErrModelExecution, err)
	}
	c.pool.RecordSuccess(cred)

	for _, path := range completionPaths {
		if v := gjson.GetBytes(out, path); v.Type == gjson.String {
			return v.String(), nil
		}
	}
	return string(out), nil
}
