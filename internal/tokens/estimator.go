// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tokens estimates prompt sizes for task cost estimates.
package tokens

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Estimation methods.
const (
	MethodSimple   = "simple"
	MethodTiktoken = "tiktoken"
)

// Estimator counts tokens with either a cl100k_base tokenizer or a
// words·1.3 approximation.
type Estimator struct {
	method string

	once  sync.Once
	codec tokenizer.Codec
}

// NewEstimator returns an Estimator for method. Unknown methods use "simple".
func NewEstimator(method string) *Estimator {
	method = strings.ToLower(strings.TrimSpace(method))
	if method != MethodSimple && method != MethodTiktoken {
		method = MethodSimple
	}
	return &Estimator{method: method}
}

// Method returns the estimation method in use.
func (e *Estimator) Method() string {
	return e.method
}

// Estimate returns the token count of content. The tokenizer is loaded on first
// use; if it cannot be loaded the simple approximation is used instead.
func (e *Estimator) Estimate(content string) int {
	if content == "" {
		return 0
	}
	if e.method == MethodTiktoken {
		e.once.Do(func() {
			codec, err := tokenizer.Get(tokenizer.Cl100kBase)
			if err != nil {
				log.Warnf("tokens: tiktoken unavailable, using simple estimate: %v", err)
				return
			}
			e.codec = codec
		})
		if e.codec != nil {
			ids, _, err := e.codec.Encode(content)
			if err == nil {
				return len(ids)
			}
		}
	}
	return simpleEstimate(content)
}

// simpleEstimate assumes ~1.3 tokens per whitespace-separated word.
func simpleEstimate(content string) int {
	words := countWords(content)
	n := int(float64(words) * 1.3)
	if n == 0 && words > 0 {
		n = 1
	}
	// CJK text has no spaces; count runes so a sentence is not a single token.
	if runes := countCJK(content); runes > n {
		n = runes
	}
	return n
}

func countWords(content string) int {
	count := 0
	inWord := false
	for _, r := range content {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
		} else if !inWord {
			count++
			inWord = true
		}
	}
	return count
}

func countCJK(content string) int {
	n := 0
	for _, r := range content {
		if (r >= 0x4E00 && r <= 0x9FFF) || (r >= 0x3040 && r <= 0x30FF) || (r >= 0xAC00 && r <= 0xD7AF) {
			n++
		}
	}
	return n
}
