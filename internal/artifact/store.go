// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package artifact moves binary model output out of task results and into
// object storage, leaving a URL in its place.
package artifact

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store persists one object and returns a URL that serves it.
type Store interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// base64Field is the result field carrying inline binary output.
const base64Field = "b64_data"

// Offload replaces every "b64_data" string in result (top-level, or inside a
// top-level "data" array) with a "url" field pointing at the uploaded object.
// A nil store, or a result without inline data, is returned unchanged.
func Offload(ctx context.Context, store Store, taskID string, result []byte) ([]byte, error) {
	if store == nil || !gjson.ValidBytes(result) {
		return result, nil
	}

	var paths []string
	if gjson.GetBytes(result, base64Field).Type == gjson.String {
		paths = append(paths, "")
	}
	gjson.GetBytes(result, "data").ForEach(func(key, value gjson.Result) bool {
		if value.Get(base64Field).Type == gjson.String {
			paths = append(paths, "data."+key.String()+".")
		}
		return true
	})
	if len(paths) == 0 {
		return result, nil
	}

	out := result
	for i, prefix := range paths {
		encoded := gjson.GetBytes(out, prefix+base64Field).String()
		raw, err := decodeBase64(encoded)
		if err != nil {
			return result, fmt.Errorf("artifact: decode %s%s: %w", prefix, base64Field, err)
		}
		name := fmt.Sprintf("%s/%d-%s", taskID, i, uuid.NewString()[:8])
		contentType := http.DetectContentType(raw)
		if ext := extension(contentType); ext != "" {
			name += ext
		}

		url, err := store.Put(ctx, name, contentType, raw)
		if err != nil {
			return result, fmt.Errorf("artifact: upload %s: %w", name, err)
		}
		if out, err = sjson.DeleteBytes(out, prefix+base64Field); err != nil {
			return result, err
		}
		if out, err = sjson.SetBytes(out, prefix+"url", url); err != nil {
			return result, err
		}
		log.WithField("task_id", taskID).Debugf("artifact: offloaded %d bytes to %s", len(raw), url)
	}
	return out, nil
}

func decodeBase64(s string) ([]byte, error) {
	// data URLs: "data:image/png;base64,...."
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func extension(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(contentType, "video/webm"):
		return ".webm"
	case strings.HasPrefix(contentType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(contentType, "audio/wave"):
		return ".wav"
	default:
		return ""
	}
}

// MemoryStore keeps objects in memory. It is used when no object storage is
// configured and in tests.
type MemoryStore struct {
	BaseURL string
	Objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore serving URLs under baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: strings.TrimRight(baseURL, "/"), Objects: make(map[string][]byte)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, name, _ string, data []byte) (string, error) {
	s.Objects[name] = bytes.Clone(data)
	return s.BaseURL + "/" + name, nil
}
