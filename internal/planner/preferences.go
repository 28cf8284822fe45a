// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package planner

import (
	"strings"

	"github.com/traylinx/switchAIFlow/internal/task"
)

// Tier is a user's subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Preferences steer model choice for a whole chain. Quality and Speed range
// from 1 (lowest) to 4.
type Preferences struct {
	Budget   task.Budget   `json:"budget"`
	Quality  int           `json:"quality"`
	Speed    int           `json:"speed"`
	Priority task.Priority `json:"priority"`
}

var tierPreferences = map[Tier]Preferences{
	TierFree:       {Budget: task.BudgetLow, Quality: 1, Speed: 1, Priority: task.PriorityLow},
	TierBasic:      {Budget: task.BudgetMedium, Quality: 2, Speed: 2, Priority: task.PriorityNormal},
	TierPro:        {Budget: task.BudgetHigh, Quality: 3, Speed: 3, Priority: task.PriorityHigh},
	TierEnterprise: {Budget: task.BudgetUnlimited, Quality: 4, Speed: 4, Priority: task.PriorityUrgent},
}

// PreferencesFor returns the default preferences of tier. Unknown and empty
// tiers get the basic defaults.
func PreferencesFor(tier Tier) Preferences {
	if p, ok := tierPreferences[Tier(strings.ToLower(strings.TrimSpace(string(tier))))]; ok {
		return p
	}
	return tierPreferences[TierBasic]
}

// resolve fills the fields explicit preferences leave unset from the tier.
func resolve(explicit *Preferences, tier Tier) Preferences {
	base := PreferencesFor(tier)
	if explicit == nil {
		return base
	}
	out := *explicit
	if b, ok := task.ParseBudget(string(out.Budget)); ok {
		out.Budget = b
	} else {
		out.Budget = base.Budget
	}
	if p, ok := task.ParsePriority(string(out.Priority)); ok {
		out.Priority = p
	} else {
		out.Priority = base.Priority
	}
	if out.Quality < 1 || out.Quality > 4 {
		out.Quality = base.Quality
	}
	if out.Speed < 1 || out.Speed > 4 {
		out.Speed = base.Speed
	}
	return out
}
