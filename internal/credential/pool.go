// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package credential rotates the API keys of each model backend and blocks keys
// that keep failing.
package credential

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/util"
)

const (
	// DefaultFailureThreshold is the failure count that blocks a credential.
	DefaultFailureThreshold = 3
	// DefaultBlockDuration is how long a blocked credential stays out of rotation.
	DefaultBlockDuration = time.Hour
)

// Credential is one key handed to a worker for a single attempt.
type Credential struct {
	Model string
	Key   string
	Index int
}

// Masked returns the key obscured for logs.
func (c Credential) Masked() string { return util.HideAPIKey(c.Key) }

// Stat tracks the health of one credential.
type Stat struct {
	// Key is the masked key in snapshots returned by Stats.
	Key          string     `json:"key"`
	Index        int        `json:"index"`
	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	IsBlocked    bool       `json:"is_blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// BlockHandler is called, outside the pool lock, when a credential becomes blocked.
type BlockHandler func(model string, cred Credential, until time.Time)

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithPolicy overrides the failure threshold and block duration.
func WithPolicy(threshold int, block time.Duration) Option {
	return func(p *Pool) {
		if threshold > 0 {
			p.threshold = int64(threshold)
		}
		if block > 0 {
			p.blockFor = block
		}
	}
}

// WithBlockHandler registers a callback for newly blocked credentials.
func WithBlockHandler(h BlockHandler) Option {
	return func(p *Pool) { p.onBlock = h }
}

type entry struct {
	key  string
	stat Stat
}

// Pool manages per-model credential rotation with thread-safe access. Multiple
// workers may hit the same model concurrently, so every read and update of the
// counters happens under mu.
type Pool struct {
	mu        sync.Mutex
	creds     map[string][]*entry
	threshold int64
	blockFor  time.Duration
	now       func() time.Time
	onBlock   BlockHandler
}

// NewPool creates an empty pool.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		creds:     make(map[string][]*entry),
		threshold: DefaultFailureThreshold,
		blockFor:  DefaultBlockDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register sets the credential list of a model, replacing any previous list.
// Empty keys are skipped.
func (p *Pool) Register(model string, keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]*entry, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		list = append(list, &entry{key: k, stat: Stat{Index: len(list)}})
	}
	p.creds[model] = list
}

// Next selects a credential for model. Blocked credentials whose window has
// elapsed are unblocked with their failure count reset before comparison. Among
// the eligible credentials the one with the fewest recorded uses wins, then the
// one used least recently, then declaration order. It returns false when the
// model has no credential or all of them are blocked.
func (p *Pool) Next(model string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *entry
	for _, e := range p.creds[model] {
		if e.stat.IsBlocked {
			if e.stat.BlockedUntil != nil && now.Before(*e.stat.BlockedUntil) {
				continue
			}
			e.stat.IsBlocked = false
			e.stat.BlockedUntil = nil
			e.stat.FailureCount = 0
			log.Infof("credential %s of %s unblocked", util.HideAPIKey(e.key), model)
		}
		if best == nil || less(e, best) {
			best = e
		}
	}
	if best == nil {
		return Credential{}, false
	}
	best.stat.LastUsedAt = now
	return Credential{Model: model, Key: best.key, Index: best.stat.Index}, true
}

// less orders by total use count, then by oldest LastUsedAt, then by index;
// use count outranks recency.
func less(a, b *entry) bool {
	ua := a.stat.SuccessCount + a.stat.FailureCount
	ub := b.stat.SuccessCount + b.stat.FailureCount
	if ua != ub {
		return ua < ub
	}
	if !a.stat.LastUsedAt.Equal(b.stat.LastUsedAt) {
		return a.stat.LastUsedAt.Before(b.stat.LastUsedAt)
	}
	return a.stat.Index < b.stat.Index
}

// RecordSuccess increments the success counter of cred.
func (p *Pool) RecordSuccess(cred Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.find(cred); e != nil {
		e.stat.SuccessCount++
	}
}

// RecordFailure increments the failure counter of cred and blocks it when the
// counter reaches the threshold. It reports whether this call blocked it.
func (p *Pool) RecordFailure(cred Credential) bool {
	p.mu.Lock()
	e := p.find(cred)
	if e == nil {
		p.mu.Unlock()
		return false
	}
	e.stat.FailureCount++
	blocked := false
	var until time.Time
	if !e.stat.IsBlocked && e.stat.FailureCount >= p.threshold {
		until = p.now().Add(p.blockFor)
		e.stat.IsBlocked = true
		e.stat.BlockedUntil = &until
		blocked = true
	}
	handler := p.onBlock
	p.mu.Unlock()

	if blocked {
		log.Warnf("credential %s of %s blocked until %s", cred.Masked(), cred.Model, until.Format(time.RFC3339))
		if handler != nil {
			handler(cred.Model, cred, until)
		}
	}
	return blocked
}

func (p *Pool) find(cred Credential) *entry {
	list := p.creds[cred.Model]
	if cred.Index >= 0 && cred.Index < len(list) && list[cred.Index].key == cred.Key {
		return list[cred.Index]
	}
	for _, e := range list {
		if e.key == cred.Key {
			return e
		}
	}
	return nil
}

// Stats returns a snapshot of the credential stats of model with masked keys.
func (p *Pool) Stats(model string) []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.creds[model]
	out := make([]Stat, 0, len(list))
	for _, e := range list {
		s := e.stat
		s.Key = util.HideAPIKey(e.key)
		if e.stat.BlockedUntil != nil {
			until := *e.stat.BlockedUntil
			s.BlockedUntil = &until
		}
		out = append(out, s)
	}
	return out
}

// Available reports how many credentials of model are currently selectable.
func (p *Pool) Available(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, e := range p.creds[model] {
		if !e.stat.IsBlocked || (e.stat.BlockedUntil != nil && !now.Before(*e.stat.BlockedUntil)) {
			n++
		}
	}
	return n
}
