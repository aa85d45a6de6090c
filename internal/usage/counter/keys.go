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

package counter

import (
	"fmt"
	"strings"
	"time"
)

// Metric is a countable resource subject to plan limits.
type Metric string

const (
	MetricLinks   Metric = "links"
	MetricClicks  Metric = "clicks"
	MetricMembers Metric = "members"
)

// Metrics lists every metric in a stable order.
var Metrics = []Metric{MetricLinks, MetricClicks, MetricMembers}

// Monthly reports whether the metric is scoped to a calendar month.
func (m Metric) Monthly() bool { return m == MetricClicks }

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricLinks, MetricClicks, MetricMembers:
		return true
	}
	return false
}

// ParseMetric converts s into a Metric.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidKey, s)
	}
	return m, nil
}

const (
	keyPrefix    = "workspace"
	periodLayout = "2006-01"
)

// PeriodOf returns the calendar-month period (YYYY-MM, UTC) containing t.
func PeriodOf(t time.Time) string { return t.UTC().Format(periodLayout) }

// Key is a counter key of the form workspace:{id}:{metric}[:{YYYY-MM}].
// Keys built by the helpers below are not validated until they reach the
// Store; use NewKey when the inputs come from outside the process.
type Key string

// KeyParts is the decoded form of a Key.
type KeyParts struct {
	WorkspaceID string
	Metric      Metric
	Period      string
}

// LinksKey returns the link-count key for a workspace.
func LinksKey(workspaceID string) Key { return build(workspaceID, MetricLinks, "") }

// MembersKey returns the member-count key for a workspace.
func MembersKey(workspaceID string) Key { return build(workspaceID, MetricMembers, "") }

// ClicksKey returns the click-count key for a workspace and period.
func ClicksKey(workspaceID, period string) Key { return build(workspaceID, MetricClicks, period) }

// KeyFor returns the key of metric m for a workspace, using the period that
// contains now for monthly metrics.
func KeyFor(workspaceID string, m Metric, now time.Time) Key {
	if m.Monthly() {
		return ClicksKey(workspaceID, PeriodOf(now))
	}
	return build(workspaceID, m, "")
}

// NewKey builds and validates a key.
func NewKey(workspaceID string, m Metric, period string) (Key, error) {
	k := build(workspaceID, m, period)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

func build(workspaceID string, m Metric, period string) Key {
	if period == "" {
		return Key(keyPrefix + ":" + workspaceID + ":" + string(m))
	}
	return Key(keyPrefix + ":" + workspaceID + ":" + string(m) + ":" + period)
}

// ParseKey decodes s, rejecting anything the helpers above would not produce.
func ParseKey(s string) (KeyParts, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != keyPrefix {
		return KeyParts{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if parts[1] == "" {
		return KeyParts{}, fmt.Errorf("%w: empty workspace id in %q", ErrInvalidKey, s)
	}
	m, err := ParseMetric(parts[2])
	if err != nil {
		return KeyParts{}, err
	}
	kp := KeyParts{WorkspaceID: parts[1], Metric: m}
	if len(parts) == 4 {
		kp.Period = parts[3]
	}
	switch {
	case m.Monthly() && kp.Period == "":
		return KeyParts{}, fmt.Errorf("%w: %s key requires a period: %q", ErrInvalidKey, m, s)
	case !m.Monthly() && kp.Period != "":
		return KeyParts{}, fmt.Errorf("%w: %s key must not carry a period: %q", ErrInvalidKey, m, s)
	}
	if kp.Period != "" {
		if _, err := time.Parse(periodLayout, kp.Period); err != nil {
			return KeyParts{}, fmt.Errorf("%w: bad period %q", ErrInvalidKey, kp.Period)
		}
	}
	return kp, nil
}

// Parts decodes k.
func (k Key) Parts() (KeyParts, error) { return ParseKey(string(k)) }

// Validate returns ErrInvalidKey when k is malformed.
func (k Key) Validate() error {
	_, err := ParseKey(string(k))
	return err
}

func (k Key) String() string { return string(k) }
