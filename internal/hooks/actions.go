// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/buildinfo"
	"golang.org/x/time/rate"
)

// RegisterBuiltInActions registers the default action handlers.
func RegisterBuiltInActions(m *HookManager) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	wh := NewWebhookHandler()
	m.RegisterAction(ActionNotifyWebhook, wh.Handle)
}

func handleLogWarning(hook *Hook, ctx *EventContext) error {
	msg, _ := hook.Params["message"].(string)
	if msg == "" {
		msg = "Hook triggered"
	}
	entry := log.WithField("event", ctx.Event)
	if ctx.TaskID != "" {
		entry = entry.WithField("task_id", ctx.TaskID)
	}
	if ctx.Model != "" {
		entry = entry.WithField("model", ctx.Model)
	}
	entry.Warnf("[Hook: %s] %s", hook.Name, msg)
	return nil
}

// WebhookHandler posts events to webhooks, limited to 10 deliveries per minute
// per URL.
type WebhookHandler struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	client   *http.Client
	backoff  []time.Duration
}

// NewWebhookHandler returns a handler retrying after 1s, 2s and 4s.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		limiters: make(map[string]*rate.Limiter),
		client:   &http.Client{Timeout: 5 * time.Second},
		backoff:  []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Handle implements ActionHandler for notify_webhook.
func (h *WebhookHandler) Handle(hook *Hook, ctx *EventContext) error {
	url, _ := hook.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("missing webhook url")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://localhost") && !strings.HasPrefix(url, "http://127.0.0.1") {
		return fmt.Errorf("insecure webhook url (must be https or localhost): %s", url)
	}
	if !h.allow(url) {
		return fmt.Errorf("rate limit exceeded for webhook: %s", url)
	}

	payload := map[string]any{
		"event":     ctx.Event,
		"timestamp": ctx.Timestamp,
		"hook_id":   hook.ID,
		"data":      ctx.Data,
	}
	if ctx.TaskID != "" {
		payload["task_id"] = ctx.TaskID
	}
	if ctx.ChainID != "" {
		payload["chain_id"] = ctx.ChainID
	}
	if ctx.TaskType != "" {
		payload["task_type"] = ctx.TaskType
	}
	if ctx.Model != "" {
		payload["model"] = ctx.Model
	}
	if ctx.ErrorMessage != "" {
		payload["error"] = ctx.ErrorMessage
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	secret, _ := hook.Params["secret"].(string)
	var lastErr error
	for i := 0; i <= len(h.backoff); i++ {
		if i > 0 {
			time.Sleep(h.backoff[i-1])
		}
		if lastErr = h.post(url, secret, body); lastErr == nil {
			return nil
		}
		log.Warnf("Webhook attempt %d failed: %v", i+1, lastErr)
	}
	return fmt.Errorf("webhook failed after retries: %w", lastErr)
}

func (h *WebhookHandler) post(url, secret string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "switchaiflow-hooks/"+buildinfo.Version)
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Hook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (h *WebhookHandler) allow(url string) bool {
	h.mu.Lock()
	limiter, ok := h.limiters[url]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/10), 10)
		h.limiters[url] = limiter
	}
	h.mu.Unlock()
	return limiter.Allow()
}
