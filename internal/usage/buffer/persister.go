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

package buffer

import (
	"context"
	"fmt"

	"linkmeter/internal/usage/counter"
)

// Commit is one key's pending delta.
type Commit struct {
	Key   counter.Key
	Delta int64
}

// Persister applies a batch of commits. An error means none of the batch
// may be assumed applied; the deltas stay pending and are retried.
type Persister interface {
	CommitBatch(ctx context.Context, commits []Commit) error
}

// BatchIncrementer is satisfied by *counter.Store.
type BatchIncrementer interface {
	IncrementBatch(ctx context.Context, deltas map[counter.Key]int64) error
}

// StorePersister flushes commits into the counter store in one transaction.
type StorePersister struct {
	store BatchIncrementer
}

// NewStorePersister returns a Persister writing to store.
func NewStorePersister(store BatchIncrementer) *StorePersister {
	return &StorePersister{store: store}
}

// CommitBatch implements Persister. Counters only grow through the buffer,
// so a delta below 1 fails the whole batch and nothing is written.
func (p *StorePersister) CommitBatch(ctx context.Context, commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}
	deltas := make(map[counter.Key]int64, len(commits))
	for _, c := range commits {
		if c.Delta < 1 {
			return fmt.Errorf("commit %s: delta %d is not positive", c.Key, c.Delta)
		}
		deltas[c.Key] += c.Delta
	}
	return p.store.IncrementBatch(ctx, deltas)
}
