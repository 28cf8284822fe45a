// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package util provides small helpers shared across switchAIFlow packages.
package util

import (
	"bytes"
	"regexp"
	"strings"
)

// HideAPIKey obscures an API key for logging purposes, showing only the first and last few characters.
//
// Parameters:
//   - apiKey: The API key to hide.
//
// Returns:
//   - string: The obscured API key.
func HideAPIKey(apiKey string) string {
	if len(apiKey) > 8 {
		return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	} else if len(apiKey) > 4 {
		return apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	} else if len(apiKey) > 2 {
		return apiKey[:1] + "..." + apiKey[len(apiKey)-1:]
	}
	return apiKey
}

// MaskAuthorizationHeader masks the credential part of an Authorization value
// while keeping its scheme, e.g. "Bearer sk-1...cdef".
func MaskAuthorizationHeader(value string) string {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) < 2 {
		return HideAPIKey(value)
	}
	return parts[0] + " " + HideAPIKey(parts[1])
}

var sensitiveJSONKeys = regexp.MustCompile(`(?i)"(api_?key|apikey|token|secret|password|authorization|credential)"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// MaskSensitiveJSONBody masks the values of credential-like keys in a JSON
// document so provider error bodies can be logged safely.
func MaskSensitiveJSONBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	return sensitiveJSONKeys.ReplaceAllFunc(body, func(match []byte) []byte {
		idx := sensitiveJSONKeys.FindSubmatchIndex(match)
		if len(idx) < 6 {
			return match
		}
		key := strings.ToLower(string(match[idx[2]:idx[3]]))
		val := string(match[idx[4]:idx[5]])

		masked := HideAPIKey(val)
		if strings.Contains(key, "password") || strings.Contains(key, "secret") {
			masked = "******"
		}

		var out bytes.Buffer
		out.Write(match[:idx[4]])
		out.WriteString(masked)
		out.Write(match[idx[5]:])
		return out.Bytes()
	})
}
