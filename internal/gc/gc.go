// Copyright 2025 blobfs Authors
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

// Package gc reclaims blocks whose reference count has dropped to zero.
//
// Each candidate is swept in three steps: the row is flipped to orphaned
// while its refcount is still zero, the remote object is deleted, then the
// row. The orphan flip fences concurrent deduplication: a write wanting the
// block after the flip resurrects it to pending and re-uploads instead of
// reusing the doomed object. Deleting the remote object before the row
// keeps crashes safe too: an interruption leaves an orphaned remote object
// (found later by Reconcile), never a catalog row pointing at a deleted
// object.
package gc

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"blobfs/internal/block"
	"blobfs/internal/cache"
	"blobfs/internal/catalog"
	"blobfs/internal/metrics"
	"blobfs/internal/remote"
)

// DefaultSweepLimit bounds the number of zero-ref blocks examined per run.
const DefaultSweepLimit = 1000

// SweepResult holds statistics from a garbage collection run.
type SweepResult struct {
	RunID          string
	BlocksExamined int   // zero-ref candidates considered
	BlocksSwept    int   // blocks removed (remote object + catalog row)
	BytesFreed     int64 // stored bytes reclaimed remotely
	Skipped        int   // candidates still dirty or pinned in the cache
	OrphansRemoved int   // remote objects with no catalog row (Reconcile only)
}

// Sweeper removes unreferenced blocks from the remote store and the catalog.
type Sweeper struct {
	catalog *catalog.Catalog
	remote  remote.ObjectStore
	cache   *cache.Cache
	metrics *metrics.Collector
	log     *log.Entry
}

func New(cat *catalog.Catalog, store remote.ObjectStore, blockCache *cache.Cache, m *metrics.Collector) *Sweeper {
	return &Sweeper{
		catalog: cat,
		remote:  store,
		cache:   blockCache,
		metrics: m,
		log:     log.WithField("component", "gc"),
	}
}

// Sweep deletes up to limit zero-ref blocks. A candidate whose cache entry
// is dirty or pinned is in use by an in-flight write or upload and is left
// for a later run.
func (s *Sweeper) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	result := &SweepResult{RunID: uuid.NewString()}
	start := time.Now()

	candidates, err := s.catalog.ZeroRefBlocks(ctx, limit)
	if err != nil {
		return nil, err
	}
	result.BlocksExamined = len(candidates)

	for _, b := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		id, err := block.Parse(b.ID)
		if err != nil {
			s.log.WithField("block", b.ID).WithError(err).Error("malformed block ID in catalog, skipping")
			result.Skipped++
			continue
		}
		if !s.cache.Discard(id) {
			result.Skipped++
			continue
		}
		// Flip to orphaned before the remote delete. A deduplicating write
		// racing the sweep either increfs first (the flip refuses and the
		// block keeps its object) or sees the orphaned state and resurrects
		// the block to pending, re-uploading the content. Either way no
		// extent is left pointing at a deleted object.
		flipped, err := s.catalog.MarkOrphanedIfUnreferenced(ctx, b.ID)
		if err != nil {
			s.log.WithField("block", b.ID).WithError(err).Warn("failed to orphan block, will retry next sweep")
			result.Skipped++
			continue
		}
		if !flipped {
			result.Skipped++
			continue
		}
		// Remote object first, catalog row second.
		if err := s.remote.Delete(ctx, b.ID); err != nil {
			s.log.WithField("block", b.ID).WithError(err).Warn("failed to delete remote object, will retry next sweep")
			result.Skipped++
			continue
		}
		if err := s.catalog.DeleteBlockRow(ctx, b.ID); err != nil {
			// The block was resurrected after the orphan flip; its pending
			// re-upload restores the object we just deleted.
			s.log.WithField("block", b.ID).Info("block re-referenced mid-sweep, keeping row")
			result.Skipped++
			continue
		}
		result.BlocksSwept++
		result.BytesFreed += b.StoredSize
		s.metrics.BlocksSwept.Inc()
	}

	s.log.WithFields(log.Fields{
		"run":      result.RunID,
		"examined": result.BlocksExamined,
		"swept":    result.BlocksSwept,
		"skipped":  result.Skipped,
		"freed":    result.BytesFreed,
		"took":     time.Since(start),
	}).Info("gc sweep complete")
	return result, nil
}

// Reconcile lists the remote store and deletes objects that have no catalog
// row: leftovers from sweeps or unmounts interrupted between the remote
// delete and the row delete, or from uploads of rolled-back writes.
func (s *Sweeper) Reconcile(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{RunID: uuid.NewString()}
	start := time.Now()

	keys, err := s.remote.List(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := block.Parse(key); err != nil {
			// Not a block object; leave foreign keys alone.
			continue
		}
		known, err := s.catalog.HasBlock(ctx, key)
		if err != nil {
			return result, err
		}
		if known {
			continue
		}
		if err := s.remote.Delete(ctx, key); err != nil {
			s.log.WithField("block", key).WithError(err).Warn("failed to delete orphaned object")
			continue
		}
		result.OrphansRemoved++
		s.metrics.OrphansRemoved.Inc()
	}

	s.log.WithFields(log.Fields{
		"run":     result.RunID,
		"objects": len(keys),
		"removed": result.OrphansRemoved,
		"took":    time.Since(start),
	}).Info("gc reconcile complete")
	return result, nil
}
