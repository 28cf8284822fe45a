// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableModel indicates no enabled backend supports the task type.
	ErrNoAvailableModel = errors.New("no available model")

	// ErrNoAvailableCredential indicates every credential of a model is blocked.
	ErrNoAvailableCredential = errors.New("no available credential")

	// ErrModelExecution wraps a failed adapter call.
	ErrModelExecution = errors.New("model execution failure")

	// ErrAllModelsExhausted indicates every candidate of the attempt list failed.
	ErrAllModelsExhausted = errors.New("all models exhausted")

	// ErrStepTimeout indicates a chain step did not reach a terminal state in time.
	ErrStepTimeout = errors.New("step timeout")

	// ErrInvalidChain indicates a chain definition violates its structural invariants.
	ErrInvalidChain = errors.New("invalid chain")

	// ErrTaskNotFound is returned by repositories for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)

// StepError reports the failure of one chain step. Execution of the remaining
// steps is aborted when it is returned.
type StepError struct {
	Index  int
	TaskID string
	Err    error
}

func (e *StepError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("chain step %d (task %s) failed: %v", e.Index, e.TaskID, e.Err)
	}
	return fmt.Sprintf("chain step %d failed: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
