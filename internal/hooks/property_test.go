package hooks

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gopkg.in/yaml.v3"
)

func TestProperty_HookExecution(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("matching events consistently trigger hooks", prop.ForAll(
		func(retries int, eventType string) bool {
			tmpDir, err := os.MkdirTemp("", "hooks-prop-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(tmpDir)

			evt := HookEvent(eventType)
			hook := Hook{
				ID:        "prop-hook",
				Name:      "Prop Hook",
				Event:     evt,
				Condition: "Data.retry_count > 2",
				Action:    "custom_action",
				Enabled:   true,
			}
			data, _ := yaml.Marshal(hook)
			_ = os.WriteFile(filepath.Join(tmpDir, "hook.yaml"), data, 0644)

			bus := NewEventBus()
			defer bus.Shutdown()

			manager, _ := NewHookManager(tmpDir, bus)
			var triggered atomic.Bool
			manager.RegisterAction("custom_action", func(h *Hook, ctx *EventContext) error {
				triggered.Store(true)
				return nil
			})
			_ = manager.LoadHooks()
			manager.SubscribeToAllEvents()

			ctx := NewEvent(evt)
			ctx.Data["retry_count"] = retries
			bus.Publish(ctx)
			manager.Wait()

			return triggered.Load() == (retries > 2)
		},
		gen.IntRange(0, 6),
		gen.OneConstOf("attempt_failed", "task_failed", "credential_blocked"),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
