package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHooks(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"image-failures.yaml": "id: image-failures\nname: Image failures\nevent: task_failed\ncondition: TaskType == 'image'\naction: log_warning\nenabled: true\n",
		"blocked.yaml":        "name: Blocked keys\nevent: credential_blocked\naction: notify_webhook\nparams:\n  url: https://hooks.example.com/x\nenabled: false\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestParseHooksCommand(t *testing.T) {
	opts, err := ParseHooksCommand([]string{"test", "-event", "task_failed", "-task-type", "image", "-data", `{"owner_id":"u1"}`})
	require.NoError(t, err)
	assert.Equal(t, HooksTest, opts.Command)
	assert.Equal(t, "task_failed", opts.Event)
	assert.Equal(t, "image", opts.TaskType)
	assert.Equal(t, "config.yaml", opts.Config)

	_, err = ParseHooksCommand(nil)
	assert.Error(t, err)
}

func TestHooksList(t *testing.T) {
	dir := writeHooks(t)
	var out bytes.Buffer
	require.NoError(t, doHooksList(&out, dir, &HooksOptions{Format: "table"}))
	assert.Contains(t, out.String(), "Total Hooks: 2")
	assert.Contains(t, out.String(), "ID: blocked")
	assert.Contains(t, out.String(), "✗ Disabled")

	out.Reset()
	require.NoError(t, doHooksList(&out, filepath.Join(dir, "missing"), &HooksOptions{}))
	assert.Contains(t, out.String(), "No hooks configured.")
}

func TestHooksEnableDisable(t *testing.T) {
	dir := writeHooks(t)
	var out bytes.Buffer

	require.NoError(t, doHooksEnableDisable(&out, dir, &HooksOptions{HookID: "blocked"}, true))
	h, err := findHook(dir, "blocked")
	require.NoError(t, err)
	assert.True(t, h.Enabled)
	assert.Equal(t, "https://hooks.example.com/x", h.Params["url"])

	require.NoError(t, doHooksEnableDisable(&out, dir, &HooksOptions{HookID: "image-failures"}, false))
	h, err = findHook(dir, "image-failures")
	require.NoError(t, err)
	assert.False(t, h.Enabled)

	assert.Error(t, doHooksEnableDisable(&out, dir, &HooksOptions{HookID: "nope"}, true))
	assert.Error(t, doHooksEnableDisable(&out, dir, &HooksOptions{}, true))
}

func TestHooksTest(t *testing.T) {
	dir := writeHooks(t)
	var out bytes.Buffer

	require.NoError(t, doHooksTest(&out, dir, &HooksOptions{Event: "task_failed", TaskType: "image", Data: "{}"}))
	assert.Contains(t, out.String(), "✓ would run log_warning")
	assert.Contains(t, out.String(), "✗ event mismatch")
	assert.Contains(t, out.String(), "Matched 1 of 2 hook(s)")

	out.Reset()
	require.NoError(t, doHooksTest(&out, dir, &HooksOptions{Event: "task_failed", TaskType: "video", Data: "{}"}))
	assert.Contains(t, out.String(), "✗ condition not met")

	assert.Error(t, doHooksTest(&out, dir, &HooksOptions{Event: "task_failed", Data: "{"}))
}
