// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/switchAIFlow/internal/buildinfo"
	"github.com/traylinx/switchAIFlow/internal/task"
	"github.com/traylinx/switchAIFlow/internal/util"
)

// defaultPaths maps task types to OpenAI-compatible endpoint paths.
var defaultPaths = map[task.TaskType]string{
	task.TypeText:      "/chat/completions",
	task.TypeCode:      "/chat/completions",
	task.TypeDocument:  "/chat/completions",
	task.TypeComposite: "/chat/completions",
	task.TypeImage:     "/images/generations",
	task.TypeAudio:     "/audio/speech",
	task.TypeVideo:     "/videos/generations",
}

// internalFields are routing and chain fields removed before a request leaves
// the process.
var internalFields = []string{"taskType", "previousResult"}

// HTTPAdapter executes calls against OpenAI-compatible HTTP endpoints using
// the model's base URL and the credential as bearer token.
type HTTPAdapter struct {
	client *http.Client
	paths  map[task.TaskType]string
}

// NewHTTPAdapter creates an adapter; a nil client uses a client with a 5 minute timeout.
func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	paths := make(map[task.TaskType]string, len(defaultPaths))
	for k, v := range defaultPaths {
		paths[k] = v
	}
	return &HTTPAdapter{client: client, paths: paths}
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.Code)
}

// Execute implements Adapter.
func (a *HTTPAdapter) Execute(ctx context.Context, call Call) ([]byte, error) {
	if call.Model == nil || call.Model.BaseURL == "" {
		return nil, fmt.Errorf("missing provider base-url")
	}
	path, ok := a.paths[call.TaskType]
	if !ok {
		path = defaultPaths[task.TypeText]
	}

	payload := bytes.Clone(call.Request)
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		payload = []byte(`{}`)
	}
	for _, field := range internalFields {
		payload, _ = sjson.DeleteBytes(payload, field)
	}
	payload, _ = sjson.SetBytes(payload, "model", call.Model.ID)

	url := strings.TrimSuffix(call.Model.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if call.Credential.Key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+call.Credential.Key)
	}
	httpReq.Header.Set("User-Agent", "switchaiflow/"+buildinfo.Version)
	log.Debugf("http adapter: POST %s model=%s auth=%s", url, call.Model.ID, util.MaskAuthorizationHeader(httpReq.Header.Get("Authorization")))

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("http adapter: close response body error: %v", errClose)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		masked := util.MaskSensitiveJSONBody(body)
		log.Debugf("http adapter: error status %d, body: %s", httpResp.StatusCode, masked)
		return nil, &StatusError{Code: httpResp.StatusCode, Body: string(masked)}
	}
	if !gjson.ValidBytes(body) {
		wrapped, _ := sjson.SetBytes([]byte(`{}`), "content", string(body))
		return wrapped, nil
	}
	return body, nil
}
