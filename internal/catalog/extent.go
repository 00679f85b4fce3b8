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
	"fmt"

	"github.com/uptrace/bun"

	"blobfs/internal/common"
)

// --- Extent Operations ---

// LookupExtents returns the extents of ino overlapping [off, off+length),
// ordered by file offset. Gaps between extents are holes (read as zeros).
func (c *Catalog) LookupExtents(ctx context.Context, ino int64, off, length int64) ([]Extent, error) {
	return c.LookupExtentsTx(ctx, c.bun, ino, off, length)
}

// LookupExtentsTx is like LookupExtents but uses the provided bun.IDB.
func (c *Catalog) LookupExtentsTx(ctx context.Context, idb bun.IDB, ino int64, off, length int64) ([]Extent, error) {
	var models []ExtentModel
	err := idb.NewSelect().
		Model(&models).
		Where("ino = ?", ino).
		Where("off < ?", off+length).
		Where("off + length > ?", off).
		Order("off").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	extents := make([]Extent, len(models))
	for i, m := range models {
		extents[i] = m.ToExtent()
	}
	return extents, nil
}

// InsertExtentTx inserts an extent after verifying its block row exists with
// a positive refcount — an extent must never dangle (invariant enforced at
// the write site, not repaired later).
func (c *Catalog) InsertExtentTx(ctx context.Context, idb bun.IDB, e *Extent) error {
	blk, err := c.GetBlockTx(ctx, idb, e.BlockID)
	if err != nil {
		return fmt.Errorf("%w: extent (ino=%d off=%d) references missing block %s",
			common.ErrConstraintViolation, e.Ino, e.Off, e.BlockID)
	}
	if blk.Refcount < 1 {
		return fmt.Errorf("%w: extent (ino=%d off=%d) references block %s with refcount %d",
			common.ErrConstraintViolation, e.Ino, e.Off, e.BlockID, blk.Refcount)
	}
	_, err = idb.NewInsert().
		Model(&ExtentModel{
			Ino:      e.Ino,
			Off:      e.Off,
			Length:   e.Length,
			BlockID:  e.BlockID,
			BlockOff: e.BlockOff,
		}).
		Exec(ctx)
	return err
}

// DeleteExtentsInRangeTx removes all extents of ino fully contained in
// [off, off+length) and returns the block IDs they referenced, one entry
// per removed extent, so the caller can decrement refcounts in the same
// transaction. Extents straddling the range boundary are the caller's
// responsibility (block-aligned writes never produce them).
func (c *Catalog) DeleteExtentsInRangeTx(ctx context.Context, idb bun.IDB, ino int64, off, length int64) ([]string, error) {
	var models []ExtentModel
	err := idb.NewSelect().
		Model(&models).
		Where("ino = ?", ino).
		Where("off >= ?", off).
		Where("off + length <= ?", off+length).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	_, err = idb.NewDelete().
		Model((*ExtentModel)(nil)).
		Where("ino = ?", ino).
		Where("off >= ?", off).
		Where("off + length <= ?", off+length).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.BlockID
	}
	return ids, nil
}

// DeleteExtentsFromTx removes all extents of ino at or beyond off (truncate
// tail) and returns the referenced block IDs for decref.
func (c *Catalog) DeleteExtentsFromTx(ctx context.Context, idb bun.IDB, ino int64, off int64) ([]string, error) {
	var models []ExtentModel
	err := idb.NewSelect().
		Model(&models).
		Where("ino = ?", ino).
		Where("off >= ?", off).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	_, err = idb.NewDelete().
		Model((*ExtentModel)(nil)).
		Where("ino = ?", ino).
		Where("off >= ?", off).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.BlockID
	}
	return ids, nil
}

// AllExtentsTx returns every extent of an inode ordered by offset.
func (c *Catalog) AllExtentsTx(ctx context.Context, idb bun.IDB, ino int64) ([]Extent, error) {
	var models []ExtentModel
	err := idb.NewSelect().
		Model(&models).
		Where("ino = ?", ino).
		Order("off").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	extents := make([]Extent, len(models))
	for i, m := range models {
		extents[i] = m.ToExtent()
	}
	return extents, nil
}
