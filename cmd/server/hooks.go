package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/traylinx/switchAIFlow/internal/config"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"gopkg.in/yaml.v3"
)

// HooksCommand represents available hooks subcommands
type HooksCommand string

const (
	HooksList    HooksCommand = "list"
	HooksEnable  HooksCommand = "enable"
	HooksDisable HooksCommand = "disable"
	HooksTest    HooksCommand = "test"
)

// HooksOptions holds the command-line options for hooks commands
type HooksOptions struct {
	Command  HooksCommand
	Config   string
	HookID   string
	Event    string
	Model    string
	TaskType string
	Data     string // JSON data for test
	Format   string
}

// ParseHooksCommand parses command arguments
func ParseHooksCommand(args []string) (*HooksOptions, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing subcommand")
	}

	opts := &HooksOptions{Command: HooksCommand(args[0])}
	flagSet := flag.NewFlagSet("hooks", flag.ContinueOnError)

	flagSet.StringVar(&opts.Config, "config", "config.yaml", "Configure File Path")
	flagSet.StringVar(&opts.HookID, "id", "", "Target hook ID")
	flagSet.StringVar(&opts.Event, "event", string(hooks.EventTaskFailed), "Event type for test (e.g. task_failed)")
	flagSet.StringVar(&opts.Model, "model", "", "Model of the simulated event")
	flagSet.StringVar(&opts.TaskType, "task-type", "", "Task type of the simulated event")
	flagSet.StringVar(&opts.Data, "data", "{}", "JSON data payload for test")
	flagSet.StringVar(&opts.Format, "format", "table", "Output format (table/json)")

	if err := flagSet.Parse(args[1:]); err != nil {
		return nil, err
	}
	return opts, nil
}

func printHooksUsage() {
	fmt.Println("Usage: switchaiflow hooks <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  list           List all configured hooks")
	fmt.Println("  enable         Enable a hook by ID")
	fmt.Println("  disable        Disable a hook by ID")
	fmt.Println("  test           Test hook conditions against a simulated event")
	fmt.Println("\nExamples:")
	fmt.Println("  switchaiflow hooks list --format json")
	fmt.Println("  switchaiflow hooks disable --id dead-letter-alert")
	fmt.Println("  switchaiflow hooks test --event task_failed --model gpt-image-1 --data '{\"owner_id\":\"u1\"}'")
}

func handleHooksCommand(args []string) {
	opts, err := ParseHooksCommand(args)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		printHooksUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfigOptional(opts.Config, true)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	dir := cfg.Hooks.Dir
	switch cmd := opts.Command; cmd {
	case HooksList:
		err = doHooksList(os.Stdout, dir, opts)
	case HooksEnable:
		err = doHooksEnableDisable(os.Stdout, dir, opts, true)
	case HooksDisable:
		err = doHooksEnableDisable(os.Stdout, dir, opts, false)
	case HooksTest:
		err = doHooksTest(os.Stdout, dir, opts)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printHooksUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func getHookManager(dir string) (*hooks.HookManager, error) {
	// A private bus: management commands never publish.
	manager, err := hooks.NewHookManager(dir, hooks.NewEventBus())
	if err != nil {
		return nil, err
	}
	if err := manager.LoadHooks(); err != nil {
		return nil, err
	}
	return manager, nil
}

// scanHooks reads every hook file in dir, disabled ones included. The id
// defaults to the file name like the running server does.
func scanHooks(dir string) ([]*hooks.Hook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*hooks.Hook
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var h hooks.Hook
		if err := yaml.Unmarshal(data, &h); err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			continue
		}
		if h.ID == "" {
			h.ID = strings.TrimSuffix(e.Name(), ext)
		}
		h.FilePath = path
		out = append(out, &h)
	}
	return out, nil
}

func findHook(dir, id string) (*hooks.Hook, error) {
	all, err := scanHooks(dir)
	if err != nil {
		return nil, err
	}
	for _, h := range all {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, fmt.Errorf("hook with ID '%s' not found", id)
}

func doHooksList(w io.Writer, dir string, opts *HooksOptions) error {
	allHooks, err := scanHooks(dir)
	if err != nil {
		return err
	}
	if len(allHooks) == 0 {
		fmt.Fprintln(w, "No hooks configured.")
		fmt.Fprintf(w, "Create hook files in: %s\n", dir)
		return nil
	}

	if opts.Format == "json" {
		data, err := json.MarshalIndent(allHooks, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintln(w, "Configured Hooks")
	fmt.Fprintln(w, "================")
	fmt.Fprintf(w, "Hooks Directory: %s\n", dir)
	fmt.Fprintf(w, "Total Hooks: %d\n\n", len(allHooks))
	for i, hook := range allHooks {
		status := "✓ Enabled"
		if !hook.Enabled {
			status = "✗ Disabled"
		}
		fmt.Fprintf(w, "[%d] %s\n", i+1, hook.Name)
		fmt.Fprintf(w, "    ID: %s\n", hook.ID)
		fmt.Fprintf(w, "    Status: %s\n", status)
		fmt.Fprintf(w, "    Event: %s\n", hook.Event)
		fmt.Fprintf(w, "    Action: %s\n", hook.Action)
		if hook.Condition != "" {
			fmt.Fprintf(w, "    Condition: %s\n", hook.Condition)
		}
		if hook.Description != "" {
			fmt.Fprintf(w, "    Description: %s\n", hook.Description)
		}
		fmt.Fprintf(w, "    File: %s\n\n", hook.FilePath)
	}
	return nil
}

func doHooksEnableDisable(w io.Writer, dir string, opts *HooksOptions, enable bool) error {
	if opts.HookID == "" {
		return fmt.Errorf("--id required")
	}
	hook, err := findHook(dir, opts.HookID)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(hook.FilePath)
	if err != nil {
		return fmt.Errorf("reading hook file: %w", err)
	}
	var hookData map[string]interface{}
	if err := yaml.Unmarshal(data, &hookData); err != nil {
		return fmt.Errorf("parsing hook file: %w", err)
	}
	hookData["enabled"] = enable

	newData, err := yaml.Marshal(hookData)
	if err != nil {
		return err
	}
	if err := os.WriteFile(hook.FilePath, newData, 0644); err != nil {
		return fmt.Errorf("writing hook file: %w", err)
	}

	action := "Enabled"
	if !enable {
		action = "Disabled"
	}
	fmt.Fprintf(w, "✓ %s hook '%s' (%s)\n", action, hook.Name, opts.HookID)
	fmt.Fprintln(w, "  A running server with hooks.watch reloads it automatically")
	return nil
}

// doHooksTest evaluates every matching hook against a simulated event and
// reports which actions would run. Actions are never executed.
func doHooksTest(w io.Writer, dir string, opts *HooksOptions) error {
	manager, err := getHookManager(dir)
	if err != nil {
		return err
	}
	var dataMap map[string]interface{}
	if err := json.Unmarshal([]byte(opts.Data), &dataMap); err != nil {
		return fmt.Errorf("parsing data JSON: %w", err)
	}
	evt := hooks.NewEvent(hooks.HookEvent(opts.Event))
	evt.Model = opts.Model
	evt.TaskType = opts.TaskType
	if dataMap != nil {
		evt.Data = dataMap
	}

	var allHooks []*hooks.Hook
	if opts.HookID != "" {
		hook, err := findHook(dir, opts.HookID)
		if err != nil {
			return err
		}
		allHooks = []*hooks.Hook{hook}
	} else if allHooks, err = scanHooks(dir); err != nil {
		return err
	}

	fmt.Fprintf(w, "Event: %s at %s\n", evt.Event, evt.Timestamp.Format(time.RFC3339))
	matched := 0
	for _, hook := range allHooks {
		fmt.Fprintf(w, "- %s (%s): ", hook.Name, hook.ID)
		switch {
		case hook.Event != evt.Event:
			fmt.Fprintf(w, "✗ event mismatch (expects %s)\n", hook.Event)
			continue
		case !hook.Enabled:
			fmt.Fprintln(w, "✗ disabled")
			continue
		}
		ok, err := manager.EvaluateCondition(hook, evt)
		switch {
		case err != nil:
			fmt.Fprintf(w, "✗ condition failed: %v\n", err)
		case ok:
			matched++
			fmt.Fprintf(w, "✓ would run %s\n", hook.Action)
		default:
			fmt.Fprintln(w, "✗ condition not met")
		}
	}
	fmt.Fprintf(w, "Matched %d of %d hook(s)\n", matched, len(allHooks))
	return nil
}
