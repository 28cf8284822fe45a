// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package classifier infers the task type of an inbound request from the
// structural shape of its JSON payload.
package classifier

import (
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// documentExtensions lists file extensions treated as document inputs.
var documentExtensions = map[string]struct{}{
	".pdf":  {},
	".doc":  {},
	".docx": {},
	".txt":  {},
	".md":   {},
	".rtf":  {},
	".odt":  {},
	".xls":  {},
	".xlsx": {},
	".csv":  {},
	".ppt":  {},
	".pptx": {},
	".epub": {},
}

// fileNameFields are the request fields that may carry a single file name.
var fileNameFields = []string{"fileName", "filename", "file", "filePath"}

// Classify returns the task type of request. It never fails: requests that
// match no rule, including malformed JSON, are classified as text. The rule
// order is fixed so that requests carrying fields of several families resolve
// the same way every time.
func Classify(request []byte) task.TaskType {
	if !gjson.ValidBytes(request) {
		return task.TypeText
	}
	root := gjson.ParseBytes(request)
	if !root.IsObject() {
		return task.TypeText
	}

	for _, key := range []string{"type", "taskType"} {
		if v := root.Get(key); v.Type == gjson.String {
			if t, ok := task.ParseTaskType(v.String()); ok {
				return t
			}
		}
	}

	if present(root, "prompt") && (present(root, "width") || present(root, "height")) {
		return task.TypeImage
	}
	if present(root, "duration") || present(root, "resolution") {
		return task.TypeVideo
	}
	if present(root, "audioFile") || present(root, "transcribe") {
		return task.TypeAudio
	}
	if present(root, "documentFile") || hasDocumentFile(root) {
		return task.TypeDocument
	}
	if present(root, "codeFile") || present(root, "programmingLanguage") {
		return task.TypeCode
	}
	if files := root.Get("files"); files.IsArray() && len(files.Array()) > 1 {
		return task.TypeComposite
	}
	return task.TypeText
}

// present reports whether key exists and carries a non-null value.
func present(root gjson.Result, key string) bool {
	v := root.Get(key)
	return v.Exists() && v.Type != gjson.Null
}

func hasDocumentFile(root gjson.Result) bool {
	for _, key := range fileNameFields {
		if v := root.Get(key); v.Type == gjson.String && IsDocumentName(v.String()) {
			return true
		}
	}
	found := false
	root.Get("files").ForEach(func(_, item gjson.Result) bool {
		name := item.String()
		if item.IsObject() {
			name = item.Get("name").String()
			if name == "" {
				name = item.Get("fileName").String()
			}
		}
		if IsDocumentName(name) {
			found = true
			return false
		}
		return true
	})
	return found
}

// IsDocumentName reports whether name ends in a document-family extension.
func IsDocumentName(name string) bool {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
	if ext == "" {
		return false
	}
	_, ok := documentExtensions[ext]
	return ok
}
