// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recommender scores candidate models for a task and derives the
// fallback cascade for the chosen model.
package recommender

import (
	"fmt"
	"sort"

	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// MaxComputedFallbacks caps fallback lists derived from scores.
const MaxComputedFallbacks = 3

// maxCostScore is the cost score of the cheapest candidate.
const maxCostScore = 10.0

// Weights are the multipliers of the four scoring dimensions. They sum to 1.
type Weights struct {
	Quality     float64 `json:"quality"`
	Speed       float64 `json:"speed"`
	Reliability float64 `json:"reliability"`
	Cost        float64 `json:"cost"`
}

// WeightsFor returns the weights for a priority adjusted by a budget.
func WeightsFor(p task.Priority, b task.Budget) Weights {
	var w Weights
	switch p {
	case task.PriorityUrgent:
		w = Weights{Quality: 0.20, Speed: 0.45, Reliability: 0.20, Cost: 0.15}
	case task.PriorityHigh:
		w = Weights{Quality: 0.45, Speed: 0.20, Reliability: 0.20, Cost: 0.15}
	default:
		w = Weights{Quality: 0.30, Speed: 0.25, Reliability: 0.25, Cost: 0.20}
	}

	switch b {
	case task.BudgetLow:
		w.Cost += 0.20
	case task.BudgetHigh:
		w.Cost *= 0.5
	case task.BudgetUnlimited:
		w.Cost *= 0.25
	}
	return w.normalized()
}

func (w Weights) normalized() Weights {
	sum := w.Quality + w.Speed + w.Reliability + w.Cost
	if sum <= 0 {
		return w
	}
	return Weights{
		Quality:     w.Quality / sum,
		Speed:       w.Speed / sum,
		Reliability: w.Reliability / sum,
		Cost:        w.Cost / sum,
	}
}

// UnitCost returns the cost of m in the dominant cost dimension of t.
func UnitCost(m *registry.Model, t task.TaskType) float64 {
	switch t {
	case task.TypeImage:
		return m.Cost.PerImage
	case task.TypeVideo:
		return m.Cost.PerVideoSecond
	default:
		return m.Cost.InputUnit + m.Cost.OutputUnit
	}
}

// Score is the evaluation of one candidate.
type Score struct {
	Model     *registry.Model `json:"-"`
	ModelID   string          `json:"model"`
	CostScore float64         `json:"cost_score"`
	Total     float64         `json:"total"`
}

// Recommendation is the outcome of Recommend.
type Recommendation struct {
	Primary   *registry.Model
	Fallbacks []string
	Weights   Weights
	// Scores are ordered by descending total, declaration order on ties.
	Scores []Score
}

// Recommend scores every candidate supporting t and returns the best one with
// its fallback list. Candidates are expected in declaration order; ties keep
// the earlier declaration.
func Recommend(t task.TaskType, p task.Priority, b task.Budget, candidates []*registry.Model) (*Recommendation, error) {
	eligible := filter(t, candidates)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w for task type %s", task.ErrNoAvailableModel, t)
	}

	w := WeightsFor(p, b)
	scores := Rank(t, w, eligible)
	primary := scores[0].Model
	return &Recommendation{
		Primary:   primary,
		Fallbacks: FallbackList(primary, t, eligible),
		Weights:   w,
		Scores:    scores,
	}, nil
}

// Rank scores candidates with w and sorts them by descending total.
func Rank(t task.TaskType, w Weights, candidates []*registry.Model) []Score {
	minCost := 0.0
	for _, m := range candidates {
		if c := UnitCost(m, t); c > 0 && (minCost == 0 || c < minCost) {
			minCost = c
		}
	}

	scores := make([]Score, 0, len(candidates))
	for _, m := range candidates {
		cs := costScore(UnitCost(m, t), minCost)
		total := float64(m.Performance.Quality)*w.Quality +
			float64(m.Performance.Speed)*w.Speed +
			float64(m.Performance.Reliability)*w.Reliability +
			cs*w.Cost
		scores = append(scores, Score{Model: m, ModelID: m.ID, CostScore: cs, Total: total})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Total > scores[j].Total
	})
	return scores
}

// costScore is 10*minCost/cost: cost is normalized against the cheapest priced
// candidate, not the most expensive one. Free models score 10.
func costScore(cost, minCost float64) float64 {
	if cost <= 0 || minCost <= 0 {
		return maxCostScore
	}
	return maxCostScore * minCost / cost
}

// FallbackList returns the fallback cascade for primary. A statically declared
// list wins, filtered to candidates that support t; otherwise the remaining
// candidates are ordered by descending quality+reliability and capped.
func FallbackList(primary *registry.Model, t task.TaskType, candidates []*registry.Model) []string {
	eligible := filter(t, candidates)
	byID := make(map[string]*registry.Model, len(eligible))
	for _, m := range eligible {
		byID[m.ID] = m
	}

	seen := map[string]struct{}{primary.ID: {}}
	var out []string
	for _, id := range primary.Fallbacks {
		if _, ok := byID[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) > 0 {
		return out
	}

	rest := make([]*registry.Model, 0, len(eligible))
	for _, m := range eligible {
		if _, skip := seen[m.ID]; !skip {
			rest = append(rest, m)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Performance.Quality+rest[i].Performance.Reliability >
			rest[j].Performance.Quality+rest[j].Performance.Reliability
	})
	if len(rest) > MaxComputedFallbacks {
		rest = rest[:MaxComputedFallbacks]
	}
	for _, m := range rest {
		out = append(out, m.ID)
	}
	return out
}

func filter(t task.TaskType, candidates []*registry.Model) []*registry.Model {
	out := make([]*registry.Model, 0, len(candidates))
	for _, m := range candidates {
		if m != nil && m.Enabled && m.Supports(t) {
			out = append(out, m)
		}
	}
	return out
}
