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
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"linkmeter/internal/usage/counter"
)

// ErrWorkspaceNotFound is returned when no row matches a workspace id.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Usage is a snapshot of the three counters for one workspace.
type Usage struct {
	Links   int64
	Clicks  int64
	Members int64
}

// Repository reads and writes workspace rows.
type Repository struct {
	db *gorm.DB
	// Per-call timeout applied when ctx has no deadline.
	defaultTimeout time.Duration
}

// NewRepository wraps db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, defaultTimeout: 10 * time.Second}
}

// DB returns the underlying handle.
func (r *Repository) DB() *gorm.DB { return r.db }

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && r.defaultTimeout > 0 {
		return context.WithTimeout(ctx, r.defaultTimeout)
	}
	return ctx, func() {}
}

// CreateWorkspace inserts w.
func (r *Repository) CreateWorkspace(ctx context.Context, w *Workspace) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("create workspace %s: %w", w.ID, err)
	}
	return nil
}

// ListWorkspaces returns every workspace ordered by id.
func (r *Repository) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var out []Workspace
	if err := r.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return out, nil
}

// GetWorkspace loads one workspace.
func (r *Repository) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var w Workspace
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", id, err)
	}
	return &w, nil
}

// UpdateUsage overwrites the persisted usage counts and stamps usage_synced_at.
func (r *Repository) UpdateUsage(ctx context.Context, id string, u Usage, syncedAt time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	res := r.db.WithContext(ctx).Model(&Workspace{}).Where("id = ?", id).Updates(map[string]any{
		"links_count":           u.Links,
		"clicks_current_period": u.Clicks,
		"members_count":         u.Members,
		"usage_synced_at":       syncedAt.UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("update usage %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return nil
}

// ResetPeriodClicks zeroes clicks_current_period and sets last_reset_at to
// now, but only if the workspace was not already reset at or after
// periodStart. It reports whether the row changed; concurrent callers with
// the same periodStart see exactly one true.
func (r *Repository) ResetPeriodClicks(ctx context.Context, id string, periodStart, now time.Time) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	res := r.db.WithContext(ctx).Model(&Workspace{}).
		Where("id = ? AND (last_reset_at IS NULL OR last_reset_at < ?)", id, periodStart.UTC()).
		Updates(map[string]any{
			"clicks_current_period": 0,
			"last_reset_at":         now.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("reset clicks %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UsageCount returns the persisted count of m for a workspace.
func (r *Repository) UsageCount(ctx context.Context, workspaceID string, m counter.Metric) (int64, error) {
	w, err := r.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	return w.Usage(m), nil
}

// SeedCount is UsageCount for rebuilding a missing counter: a workspace
// without a row has no usage yet and reports zero.
func (r *Repository) SeedCount(ctx context.Context, workspaceID string, m counter.Metric) (int64, error) {
	n, err := r.UsageCount(ctx, workspaceID, m)
	if errors.Is(err, ErrWorkspaceNotFound) {
		return 0, nil
	}
	return n, err
}

// Limit returns the plan limit of m for a workspace.
func (r *Repository) Limit(ctx context.Context, workspaceID string, m counter.Metric) (int64, error) {
	w, err := r.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	return w.Limit(m), nil
}
