// Copyright (c) 2026 John Earle
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

// Package tenant resolves which business calendar an inbound WhatsApp
// message belongs to. Booking links shared with customers pre-fill the
// message with "Code: XXXXXXXX", the first eight hex characters of the
// calendar id; that code is the only routing key available for messages
// arriving on the shared business number.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// CodeLength is the number of hex characters in a tracking code.
const CodeLength = 8

var codePattern = regexp.MustCompile(`(?i)Code:\s*([A-F0-9]{8})`)

// ExtractTrackingCode finds the first "Code: XXXXXXXX" token in text and
// returns it lower-cased.
func ExtractTrackingCode(text string) (string, bool) {
	m := codePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// Tenant is a routable calendar.
type Tenant struct {
	CalendarID string
	OwnerID    string
	Name       string
}

// Directory looks up active calendars by id prefix.
type Directory interface {
	// FindByPrefix returns active calendars whose id starts with prefix
	// (case-insensitive). Implementations may cap the result; two rows are
	// enough to detect a collision.
	FindByPrefix(ctx context.Context, prefix string) ([]Tenant, error)
}

// Resolver maps message text to a tenant.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver over dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the tenant addressed by the tracking code in text, or
// nil when text carries no code or no calendar matches. When several
// calendars share the prefix the lexicographically smallest id wins and a
// warning is logged.
func (r *Resolver) Resolve(ctx context.Context, text string) (*Tenant, error) {
	code, ok := ExtractTrackingCode(text)
	if !ok {
		return nil, nil
	}

	candidates, err := r.dir.FindByPrefix(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("find calendar by code %s: %w", code, err)
	}
	if len(candidates) == 0 {
		slog.Info("tracking code matched no calendar", "code", code)
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return strings.ToLower(candidates[i].CalendarID) < strings.ToLower(candidates[j].CalendarID)
	})
	if len(candidates) > 1 {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.CalendarID
		}
		slog.Warn("tracking code prefix collision, routing to first calendar",
			"code", code,
			"calendars", ids,
		)
	}

	t := candidates[0]
	return &t, nil
}
