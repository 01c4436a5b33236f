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

package ratelimit

import (
	"context"
	"sync"

	"github.com/slotbook/wa-ingress/internal/models"
)

// MemoryStore keeps records in process memory. Only suitable when a single
// ingress instance serves all traffic.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.RateLimitRecord
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.RateLimitRecord)}
}

func (m *MemoryStore) Get(_ context.Context, identifier string) (*models.RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[identifier]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec models.RateLimitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Identifier] = rec
	return nil
}
