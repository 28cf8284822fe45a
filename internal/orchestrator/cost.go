// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// defaultVideoSeconds is assumed when a video request names no duration.
const defaultVideoSeconds = 5

// estimateCost prices a request on the chosen model: per image for image
// tasks, per second for video, and prompt tokens (per 1K) for everything else.
func (o *Orchestrator) estimateCost(m *registry.Model, t task.TaskType, request []byte) float64 {
	root := gjson.ParseBytes(request)
	switch t {
	case task.TypeImage:
		n := root.Get("n").Int()
		if n < 1 {
			n = 1
		}
		return m.Cost.PerImage * float64(n)
	case task.TypeVideo:
		seconds := root.Get("duration").Float()
		if seconds <= 0 {
			seconds = defaultVideoSeconds
		}
		return m.Cost.PerVideoSecond * seconds
	default:
		tokens := o.estimator.Estimate(promptText(root))
		return float64(tokens) / 1000 * m.Cost.InputUnit
	}
}

// promptText collects the text a model will read from the common request
// shapes.
func promptText(root gjson.Result) string {
	var parts []string
	for _, key := range []string{"prompt", "input", "text", "system"} {
		if v := root.Get(key); v.Type == gjson.String {
			parts = append(parts, v.String())
		}
	}
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			parts = append(parts, content.String())
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			if txt := part.Get("text"); txt.Type == gjson.String {
				parts = append(parts, txt.String())
			}
			return true
		})
		return true
	})
	return strings.Join(parts, "\n")
}
