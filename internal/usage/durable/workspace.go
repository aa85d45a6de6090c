// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package durable

import (
	"time"

	"linkmeter/internal/usage/counter"
)

// Unlimited as a plan limit disables the check for that metric.
const Unlimited int64 = -1

// Workspace is a tenant row.
type Workspace struct {
	ID   string `gorm:"primaryKey;size:64"`
	Plan string `gorm:"size:32;not null"`

	MaxLinks   int64 `gorm:"not null"`
	MaxClicks  int64 `gorm:"not null"`
	MaxMembers int64 `gorm:"not null"`

	LinksCount          int64 `gorm:"not null"`
	ClicksCurrentPeriod int64 `gorm:"not null"`
	MembersCount        int64 `gorm:"not null"`

	// BillingCycleDay is the day of month (1..31) a billing period starts.
	BillingCycleDay int `gorm:"not null"`
	LastResetAt     *time.Time
	UsageSyncedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name.
func (Workspace) TableName() string { return "workspaces" }

// Limit returns the plan limit for m, or 0 for an unknown metric.
func (w *Workspace) Limit(m counter.Metric) int64 {
	switch m {
	case counter.MetricLinks:
		return w.MaxLinks
	case counter.MetricClicks:
		return w.MaxClicks
	case counter.MetricMembers:
		return w.MaxMembers
	}
	return 0
}

// Usage returns the last persisted usage count for m.
func (w *Workspace) Usage(m counter.Metric) int64 {
	switch m {
	case counter.MetricLinks:
		return w.LinksCount
	case counter.MetricClicks:
		return w.ClicksCurrentPeriod
	case counter.MetricMembers:
		return w.MembersCount
	}
	return 0
}

// UsageWithoutCounter is the usage to report for m when its live counter
// does not exist for period. Links and members keep the persisted count.
// Clicks keep it only if it was synced during that same calendar month;
// otherwise the period has just begun and the count is zero.
func (w *Workspace) UsageWithoutCounter(m counter.Metric, period string) int64 {
	if !m.Monthly() {
		return w.Usage(m)
	}
	if w.UsageSyncedAt != nil && counter.PeriodOf(*w.UsageSyncedAt) == period {
		return w.Usage(m)
	}
	return 0
}

// PeriodStart returns the start (00:00 UTC) of the billing period that
// contains now. A cycle day past the end of a month falls on its last day,
// so day 31 starts on Feb 28 in February.
func (w *Workspace) PeriodStart(now time.Time) time.Time {
	return BillingPeriodStart(w.BillingCycleDay, now)
}

// BillingPeriodStart is Workspace.PeriodStart for a bare cycle day. Days
// outside 1..31 are treated as 1.
func BillingPeriodStart(cycleDay int, now time.Time) time.Time {
	if cycleDay < 1 || cycleDay > 31 {
		cycleDay = 1
	}
	now = now.UTC()
	start := anchorIn(now.Year(), now.Month(), cycleDay)
	if now.Before(start) {
		start = anchorIn(now.Year(), now.Month()-1, cycleDay)
	}
	return start
}

func anchorIn(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(day, last)-1)
}

// Plan is a named bundle of limits.
type Plan struct {
	Name       string
	MaxLinks   int64
	MaxClicks  int64
	MaxMembers int64
}

// Plans are the built-in plans new workspaces can be created on.
var Plans = map[string]Plan{
	"free":       {Name: "free", MaxLinks: 25, MaxClicks: 1_000, MaxMembers: 1},
	"pro":        {Name: "pro", MaxLinks: 1_000, MaxClicks: 50_000, MaxMembers: 5},
	"business":   {Name: "business", MaxLinks: 10_000, MaxClicks: 250_000, MaxMembers: 20},
	"enterprise": {Name: "enterprise", MaxLinks: Unlimited, MaxClicks: Unlimited, MaxMembers: Unlimited},
}

// NewWorkspace returns a workspace on the named plan with zero usage.
// Unknown plans fall back to "free".
func NewWorkspace(id, plan string, billingCycleDay int) *Workspace {
	p, ok := Plans[plan]
	if !ok {
		p = Plans["free"]
	}
	if billingCycleDay < 1 || billingCycleDay > 31 {
		billingCycleDay = 1
	}
	return &Workspace{
		ID:              id,
		Plan:            p.Name,
		MaxLinks:        p.MaxLinks,
		MaxClicks:       p.MaxClicks,
		MaxMembers:      p.MaxMembers,
		BillingCycleDay: billingCycleDay,
	}
}
