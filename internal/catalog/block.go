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

package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"

	"blobfs/internal/common"
)

// --- Block Operations ---

// GetBlock retrieves a block row by hex ID.
// Returns common.ErrNotFound if no row exists.
func (c *Catalog) GetBlock(ctx context.Context, id string) (*Block, error) {
	return c.GetBlockTx(ctx, c.bun, id)
}

// GetBlockTx is like GetBlock but uses the provided bun.IDB.
func (c *Catalog) GetBlockTx(ctx context.Context, idb bun.IDB, id string) (*Block, error) {
	var m BlockModel
	err := idb.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Block{
		ID:         m.ID,
		Size:       m.Size,
		StoredSize: m.StoredSize,
		Refcount:   m.Refcount,
		State:      m.State,
	}, nil
}

// LookupOrCreateBlock is the deduplication primitive: if a block with this
// content hash already exists, its refcount is incremented and the caller
// reuses it (skipping storage of new content); otherwise a pending block
// with refcount 1 is created and the caller must fill a cache slot and
// enqueue the upload. Returns the block and whether it was created.
//
// Content identity is the sole dedup criterion: a resurrected 'orphaned'
// block (refcount was zero but GC had not swept it) flips back to its prior
// life via the refcount alone.
func (c *Catalog) LookupOrCreateBlock(ctx context.Context, idb bun.IDB, id string, size int64) (*Block, bool, error) {
	blk, err := c.GetBlockTx(ctx, idb, id)
	if err == nil {
		if blk.Size != size {
			// Two distinct plaintexts can never share an ID; a size
			// mismatch means the catalog row is wrong.
			return nil, false, fmt.Errorf("%w: block %s has size %d, new content has %d",
				common.ErrConstraintViolation, id, blk.Size, size)
		}
		newRef, err := c.IncRefTx(ctx, idb, id)
		if err != nil {
			return nil, false, err
		}
		blk.Refcount = newRef
		if blk.State == BlockOrphaned {
			// A sweep may have removed the remote object before the crash
			// that stranded this row, so the content must be uploaded again.
			if err := c.SetBlockStateTx(ctx, idb, id, BlockPending); err != nil {
				return nil, false, err
			}
			blk.State = BlockPending
		}
		return blk, false, nil
	}
	if err != common.ErrNotFound {
		return nil, false, err
	}
	m := &BlockModel{
		ID:       id,
		Size:     size,
		Refcount: 1,
		State:    BlockPending,
	}
	if _, err := idb.NewInsert().Model(m).Exec(ctx); err != nil {
		return nil, false, err
	}
	return &Block{ID: id, Size: size, Refcount: 1, State: BlockPending}, true, nil
}

// IncRefTx increments a block's reference count and returns the new value.
func (c *Catalog) IncRefTx(ctx context.Context, idb bun.IDB, id string) (int64, error) {
	return c.adjustRef(ctx, idb, id, 1)
}

// DecRefTx decrements a block's reference count and returns the new value.
// Reaching zero makes the block eligible for garbage collection; it is
// never deleted synchronously here. Decrementing a missing block or going
// negative is a constraint violation.
func (c *Catalog) DecRefTx(ctx context.Context, idb bun.IDB, id string) (int64, error) {
	return c.adjustRef(ctx, idb, id, -1)
}

func (c *Catalog) adjustRef(ctx context.Context, idb bun.IDB, id string, delta int64) (int64, error) {
	res, err := idb.NewUpdate().
		Model((*BlockModel)(nil)).
		Set("refcount = refcount + ?", delta).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: refcount change on missing block %s", common.ErrConstraintViolation, id)
	}
	var refcount int64
	if err := idb.NewRaw(`SELECT refcount FROM blocks WHERE id = ?`, id).Scan(ctx, &refcount); err != nil {
		return 0, err
	}
	if refcount < 0 {
		return refcount, fmt.Errorf("%w: refcount of block %s went negative", common.ErrConstraintViolation, id)
	}
	return refcount, nil
}

// SetBlockState updates a block's upload state.
func (c *Catalog) SetBlockState(ctx context.Context, id, state string) error {
	return c.SetBlockStateTx(ctx, c.bun, id, state)
}

// SetBlockStateTx is like SetBlockState but uses the provided bun.IDB.
func (c *Catalog) SetBlockStateTx(ctx context.Context, idb bun.IDB, id, state string) error {
	res, err := idb.NewUpdate().
		Model((*BlockModel)(nil)).
		Set("state = ?", state).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// MarkUploaded flips a block pending -> uploaded and records the stored
// (encoded) size. Called by the upload engine on confirmed remote write.
// An already-uploaded block is a success, not an error: a deduplicating
// write can re-enqueue a block whose first upload settles before the
// write's post-commit enqueue runs, and the redundant upload rewrites the
// same object.
func (c *Catalog) MarkUploaded(ctx context.Context, id string, storedSize int64) error {
	res, err := c.bun.NewUpdate().
		Model((*BlockModel)(nil)).
		Set("state = ?", BlockUploaded).
		Set("stored_size = ?", storedSize).
		Where("id = ?", id).
		Where("state IN (?, ?)", BlockPending, BlockUploadFailed).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	blk, err := c.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if blk.State == BlockUploaded {
		return nil
	}
	return fmt.Errorf("%w: block %s not in an uploadable state (%s)", common.ErrConstraintViolation, id, blk.State)
}

// MarkOrphanedIfUnreferenced flips a block to orphaned, but only while its
// refcount is still zero. The GC sweep calls this before deleting the
// remote object: once the flip is visible, a deduplicating write that wants
// the block resurrects it to pending (see LookupOrCreateBlock) and
// re-uploads the content instead of reusing an object the sweep is about to
// remove. Reports whether the flip happened; false means a concurrent write
// re-referenced the block first.
func (c *Catalog) MarkOrphanedIfUnreferenced(ctx context.Context, id string) (bool, error) {
	res, err := c.bun.NewUpdate().
		Model((*BlockModel)(nil)).
		Set("state = ?", BlockOrphaned).
		Where("id = ?", id).
		Where("refcount = 0").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ZeroRefBlocks returns up to limit blocks whose refcount has reached zero,
// the candidates for a GC sweep.
func (c *Catalog) ZeroRefBlocks(ctx context.Context, limit int) ([]Block, error) {
	var models []BlockModel
	q := c.bun.NewSelect().
		Model(&models).
		Where("refcount = 0").
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	blocks := make([]Block, len(models))
	for i, m := range models {
		blocks[i] = Block{ID: m.ID, Size: m.Size, StoredSize: m.StoredSize, Refcount: m.Refcount, State: m.State}
	}
	return blocks, nil
}

// BlocksByState returns all blocks in the given state.
func (c *Catalog) BlocksByState(ctx context.Context, state string) ([]Block, error) {
	var models []BlockModel
	err := c.bun.NewSelect().
		Model(&models).
		Where("state = ?", state).
		Order("id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	blocks := make([]Block, len(models))
	for i, m := range models {
		blocks[i] = Block{ID: m.ID, Size: m.Size, StoredSize: m.StoredSize, Refcount: m.Refcount, State: m.State}
	}
	return blocks, nil
}

// HasBlock reports whether a block row exists. Used by GC reconciliation.
func (c *Catalog) HasBlock(ctx context.Context, id string) (bool, error) {
	return c.bun.NewSelect().
		Model((*BlockModel)(nil)).
		Where("id = ?", id).
		Exists(ctx)
}

// DeleteBlockRow removes a block row. Only legal for refcount-zero orphaned
// blocks whose remote object has already been deleted (GC ordering: a crash
// may leave an orphaned remote object, never a dangling catalog reference).
// A block resurrected between the orphan flip and this call fails the state
// guard and survives; its pending re-upload restores the remote object.
func (c *Catalog) DeleteBlockRow(ctx context.Context, id string) error {
	res, err := c.bun.NewDelete().
		Model((*BlockModel)(nil)).
		Where("id = ?", id).
		Where("refcount = 0").
		Where("state = ?", BlockOrphaned).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: block %s is not collectible", common.ErrConstraintViolation, id)
	}
	return nil
}
