// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// HookManager loads hooks from a directory and runs the matching ones for each
// event published on its bus.
type HookManager struct {
	hooksDir       string
	hooks          map[HookEvent][]*Hook
	eventBus       *EventBus
	programs       map[string]*vm.Program
	actionHandlers map[HookAction]ActionHandler
	mu             sync.RWMutex
	inflight       sync.WaitGroup

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	stopOnce    sync.Once
}

// NewHookManager creates a new hook manager with the built-in actions
// registered. An empty hooksDir defaults to ~/.switchaiflow/hooks.
func NewHookManager(hooksDir string, eventBus *EventBus) (*HookManager, error) {
	if eventBus == nil {
		return nil, fmt.Errorf("hooks: event bus is required")
	}
	if hooksDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			wd, _ := os.Getwd()
			hooksDir = filepath.Join(wd, ".switchaiflow", "hooks")
		} else {
			hooksDir = filepath.Join(home, ".switchaiflow", "hooks")
		}
	}

	manager := &HookManager{
		hooksDir:       hooksDir,
		hooks:          make(map[HookEvent][]*Hook),
		eventBus:       eventBus,
		programs:       make(map[string]*vm.Program),
		actionHandlers: make(map[HookAction]ActionHandler),
		stopWatcher:    make(chan struct{}),
	}
	RegisterBuiltInActions(manager)

	return manager, nil
}

// LoadHooks (re)loads every *.yaml / *.yml hook in the hooks directory.
// Unparseable files are logged and skipped.
func (m *HookManager) LoadHooks() error {
	if err := os.MkdirAll(m.hooksDir, 0755); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	newHooks := make(map[HookEvent][]*Hook)
	count := 0
	err := filepath.Walk(m.hooksDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("Failed to read hook file %s: %v", path, err)
			return nil
		}

		var hook Hook
		if err := yaml.Unmarshal(data, &hook); err != nil {
			log.Errorf("Failed to parse hook %s: %v", path, err)
			return nil
		}
		if hook.ID == "" {
			hook.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		hook.FilePath = path
		if hook.Enabled {
			newHooks[hook.Event] = append(newHooks[hook.Event], &hook)
			count++
			log.Debugf("Loaded hook: %s for event %s", hook.Name, hook.Event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.hooks = newHooks
	m.programs = make(map[string]*vm.Program)
	m.mu.Unlock()

	log.Infof("Loaded %d hooks for %d event types", count, len(newHooks))
	return nil
}

// SubscribeToAllEvents subscribes the manager to every published event, so
// hooks added by a later reload are honored without resubscribing.
func (m *HookManager) SubscribeToAllEvents() {
	for _, evt := range AllEvents() {
		m.eventBus.Subscribe(evt, m.handleEvent)
	}
}

func (m *HookManager) handleEvent(ctx *EventContext) {
	m.mu.RLock()
	hooks := m.hooks[ctx.Event]
	m.mu.RUnlock()

	for _, hook := range hooks {
		matches, err := m.evaluateCondition(hook.Condition, ctx)
		if err != nil {
			log.Warnf("Failed to evaluate hook condition '%s': %v", hook.Condition, err)
			continue
		}
		if matches {
			log.Debugf("Executing hook: %s (Action: %s)", hook.Name, hook.Action)
			m.inflight.Add(1)
			go func(h *Hook) {
				defer m.inflight.Done()
				m.executeAction(h, ctx)
			}(hook)
		}
	}
}

// conditionEnv exposes the event to expr conditions.
func conditionEnv(ctx *EventContext) map[string]any {
	env := map[string]any{
		"Event":     string(ctx.Event),
		"Timestamp": ctx.Timestamp,
		"Data":      ctx.Data,
		"TaskID":    ctx.TaskID,
		"ChainID":   ctx.ChainID,
		"TaskType":  ctx.TaskType,
		"Model":     ctx.Model,
		"Error":     ctx.ErrorMessage,
	}
	if env["Data"] == nil {
		env["Data"] = map[string]any{}
	}
	return env
}

func (m *HookManager) evaluateCondition(condition string, ctx *EventContext) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}

	m.mu.Lock()
	program, exists := m.programs[condition]
	if !exists {
		var err error
		program, err = expr.Compile(condition, expr.AsBool())
		if err != nil {
			m.mu.Unlock()
			return false, err
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	output, err := expr.Run(program, conditionEnv(ctx))
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean")
	}
	return result, nil
}

func (m *HookManager) executeAction(hook *Hook, ctx *EventContext) {
	m.mu.RLock()
	handler, exists := m.actionHandlers[hook.Action]
	m.mu.RUnlock()

	if !exists {
		log.Warnf("No handler registered for action: %s", hook.Action)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic in hook %s: %v", hook.Name, r)
		}
	}()
	if err := handler(hook, ctx); err != nil {
		log.Errorf("Action %s failed for hook %s: %v", hook.Action, hook.Name, err)
	}
}

// RegisterAction registers a handler for a specific action type.
func (m *HookManager) RegisterAction(action HookAction, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionHandlers[action] = handler
}

// Wait blocks until every running hook action has returned.
func (m *HookManager) Wait() {
	m.inflight.Wait()
}

// StartWatcher starts a background fsnotify watcher for hot-reloading hooks.
func (m *HookManager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.hooksDir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Infof("Hooks directory changed (%s), reloading...", event.Name)
					time.Sleep(100 * time.Millisecond)
					if err := m.LoadHooks(); err != nil {
						log.Errorf("Failed to reload hooks: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Hooks watcher error: %v", err)
			case <-m.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// StopWatcher stops the file watcher.
func (m *HookManager) StopWatcher() {
	m.stopOnce.Do(func() {
		close(m.stopWatcher)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}

// GetHooks returns all loaded hooks ordered by id.
func (m *HookManager) GetHooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Hook, 0)
	for _, hooks := range m.hooks {
		result = append(result, hooks...)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetHook returns a hook by ID.
func (m *HookManager) GetHook(id string) *Hook {
	for _, h := range m.GetHooks() {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// EvaluateCondition exposes condition evaluation for testing.
func (m *HookManager) EvaluateCondition(h *Hook, ctx *EventContext) (bool, error) {
	return m.evaluateCondition(h.Condition, ctx)
}
