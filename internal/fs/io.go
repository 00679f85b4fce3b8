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

package fs

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"blobfs/internal/block"
	"blobfs/internal/catalog"
	"blobfs/internal/common"
)

// Read returns up to length bytes of ino's content starting at off. A read
// past EOF returns a short (possibly empty) slice. Gaps in the extent map
// are holes and read as zeros.
func (f *Filesystem) Read(ctx context.Context, ino, off, length int64) ([]byte, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("invalid read range off=%d length=%d", off, length)
	}

	lk := f.inodeLock(ino)
	lk.RLock()
	defer lk.RUnlock()

	inode, err := f.catalog.GetInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	if inode.IsDir() {
		return nil, common.ErrIsDir
	}
	if off >= inode.Size {
		return nil, nil
	}
	if off+length > inode.Size {
		length = inode.Size - off
	}

	buf := make([]byte, length)
	extents, err := f.catalog.LookupExtents(ctx, ino, off, length)
	if err != nil {
		return nil, err
	}
	for _, ext := range extents {
		id, err := block.Parse(ext.BlockID)
		if err != nil {
			return nil, fmt.Errorf("%w: extent (%d,%d) has malformed block ID %q",
				common.ErrConstraintViolation, ext.Ino, ext.Off, ext.BlockID)
		}
		plain, err := f.engine.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		// Intersect the extent's logical range with the requested range.
		start := max64(off, ext.Off)
		end := min64(off+length, ext.End())
		copy(buf[start-off:end-off], plain[ext.BlockOff+start-ext.Off:])
	}
	return buf, nil
}

// slotWrite is one block-aligned slot produced by a Write or Truncate.
type slotWrite struct {
	off     int64 // block-aligned logical offset
	plain   []byte
	id      block.ID
	cached  bool // cache already held the entry before our Put
	created bool
	state   string
}

// Write stores data at off, extending the file if needed. The content is
// split on fixed block boundaries; partially covered blocks are
// read-modified. Each resulting block is hashed, parked dirty in the cache,
// recorded (or deduplicated) in the catalog in one transaction alongside
// the extent and size updates, and queued for upload. Write returns once
// the data is cached and the catalog committed; remote durability is
// deferred until Sync.
func (f *Filesystem) Write(ctx context.Context, ino, off int64, data []byte) (int, error) {
	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("invalid write offset %d", off)
	}
	if len(data) == 0 {
		return 0, nil
	}

	lk := f.inodeLock(ino)
	lk.Lock()
	defer lk.Unlock()

	inode, err := f.catalog.GetInode(ctx, ino)
	if err != nil {
		return 0, err
	}
	if inode.IsDir() {
		return 0, common.ErrIsDir
	}

	bs := f.blockSize
	end := off + int64(len(data))
	newSize := inode.Size
	if end > newSize {
		newSize = end
	}

	var slots []slotWrite
	for slotStart := (off / bs) * bs; slotStart < end; slotStart += bs {
		slotEnd := slotStart + bs
		contentLen := min64(newSize, slotEnd) - slotStart
		ws := max64(off, slotStart)
		we := min64(end, slotEnd)

		var plain []byte
		if ws == slotStart && we-slotStart == contentLen {
			// Full overwrite of the slot's content, no read needed.
			plain = data[ws-off : we-off]
		} else {
			plain = make([]byte, contentLen)
			old, err := f.readSlot(ctx, ino, slotStart)
			if err != nil {
				return 0, err
			}
			copy(plain, old)
			copy(plain[ws-slotStart:], data[ws-off:we-off])
		}
		slots = append(slots, slotWrite{off: slotStart, plain: plain, id: block.Sum(plain)})
	}

	if err := f.commitSlots(ctx, ino, slots, newSize); err != nil {
		return 0, err
	}
	return len(data), nil
}

// commitSlots parks each slot's plaintext in the cache, then records all
// slots plus the new size in a single catalog transaction, then hands the
// blocks to the upload engine. The cache insert comes first so a crash
// leaves at worst an unreferenced cache entry, never a catalog row whose
// data exists nowhere.
func (f *Filesystem) commitSlots(ctx context.Context, ino int64, slots []slotWrite, newSize int64) error {
	for i := range slots {
		s := &slots[i]
		s.cached = f.cache.Contains(s.id)
		if err := f.cache.Put(ctx, s.id, s.plain); err != nil {
			f.unwindSlots(slots[:i])
			return err
		}
	}

	err := f.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var removed []string
		for i := range slots {
			s := &slots[i]
			blk, created, err := f.catalog.LookupOrCreateBlock(ctx, tx, s.id.String(), int64(len(s.plain)))
			if err != nil {
				return err
			}
			s.created = created
			s.state = blk.State

			// References to the new block are taken before the old
			// block's are dropped, so an overwrite with identical
			// content never sees the refcount touch zero.
			r, err := f.catalog.DeleteExtentsInRangeTx(ctx, tx, ino, s.off, f.blockSize)
			if err != nil {
				return err
			}
			removed = append(removed, r...)

			if err := f.catalog.InsertExtentTx(ctx, tx, &catalog.Extent{
				Ino:     ino,
				Off:     s.off,
				Length:  int64(len(s.plain)),
				BlockID: s.id.String(),
			}); err != nil {
				return err
			}
		}
		for _, rid := range removed {
			if _, err := f.catalog.DecRefTx(ctx, tx, rid); err != nil {
				return err
			}
		}
		now := time.Now()
		return f.catalog.UpdateInodeTx(ctx, tx, ino, &catalog.InodeUpdate{Size: &newSize, Mtime: &now})
	})
	if err != nil {
		f.unwindSlots(slots)
		return f.degrade(err)
	}

	for _, s := range slots {
		if !s.created {
			f.metrics.DedupHits.Inc()
		}
		if s.created || s.state != catalog.BlockUploaded {
			f.engine.Track(ino, s.id)
			f.engine.Enqueue(s.id)
		} else {
			// Deduplicated against an already-uploaded block; our cache
			// entry has nothing left to upload.
			f.cache.MarkClean(s.id)
		}
	}
	return nil
}

// unwindSlots removes cache entries created for a write whose transaction
// did not commit. Entries that predate the write are left alone: they
// belong to committed data.
func (f *Filesystem) unwindSlots(slots []slotWrite) {
	for _, s := range slots {
		if !s.cached {
			f.cache.Drop(s.id)
		}
	}
}

// readSlot returns the committed plaintext of the block slot starting at
// slotStart, or nil if the slot is a hole.
func (f *Filesystem) readSlot(ctx context.Context, ino, slotStart int64) ([]byte, error) {
	extents, err := f.catalog.LookupExtents(ctx, ino, slotStart, f.blockSize)
	if err != nil {
		return nil, err
	}
	if len(extents) == 0 {
		return nil, nil
	}
	ext := extents[0]
	id, err := block.Parse(ext.BlockID)
	if err != nil {
		return nil, fmt.Errorf("%w: extent (%d,%d) has malformed block ID %q",
			common.ErrConstraintViolation, ext.Ino, ext.Off, ext.BlockID)
	}
	return f.engine.Fetch(ctx, id)
}

// Truncate sets ino's size. Growing leaves a hole; shrinking removes the
// extents past the new end and rewrites the block straddling it. Removed
// block references are dropped in the same transaction, which may leave
// zero-ref blocks behind for the garbage collector.
func (f *Filesystem) Truncate(ctx context.Context, ino, size int64) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("invalid truncate size %d", size)
	}

	lk := f.inodeLock(ino)
	lk.Lock()
	defer lk.Unlock()

	inode, err := f.catalog.GetInode(ctx, ino)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return common.ErrIsDir
	}
	if size == inode.Size {
		return nil
	}

	if size > inode.Size {
		// Grow: the new tail is a hole, no block changes.
		err := f.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			now := time.Now()
			return f.catalog.UpdateInodeTx(ctx, tx, ino, &catalog.InodeUpdate{Size: &size, Mtime: &now})
		})
		return f.degrade(err)
	}

	bs := f.blockSize
	slotStart := (size / bs) * bs

	// The block straddling the new end shrinks to a shorter block with a
	// new identity; everything past it is dropped.
	var slots []slotWrite
	if size > slotStart {
		old, err := f.readSlot(ctx, ino, slotStart)
		if err != nil {
			return err
		}
		keep := size - slotStart
		plain := make([]byte, keep)
		copy(plain, old)
		slots = append(slots, slotWrite{off: slotStart, plain: plain, id: block.Sum(plain)})
	}

	for i := range slots {
		s := &slots[i]
		s.cached = f.cache.Contains(s.id)
		if err := f.cache.Put(ctx, s.id, s.plain); err != nil {
			return err
		}
	}

	err = f.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var removed []string
		for i := range slots {
			s := &slots[i]
			blk, created, err := f.catalog.LookupOrCreateBlock(ctx, tx, s.id.String(), int64(len(s.plain)))
			if err != nil {
				return err
			}
			s.created = created
			s.state = blk.State
			r, err := f.catalog.DeleteExtentsInRangeTx(ctx, tx, ino, s.off, f.blockSize)
			if err != nil {
				return err
			}
			removed = append(removed, r...)
			if err := f.catalog.InsertExtentTx(ctx, tx, &catalog.Extent{
				Ino:     ino,
				Off:     s.off,
				Length:  int64(len(s.plain)),
				BlockID: s.id.String(),
			}); err != nil {
				return err
			}
		}
		tail, err := f.catalog.DeleteExtentsFromTx(ctx, tx, ino, slotStart+bs)
		if err != nil {
			return err
		}
		removed = append(removed, tail...)
		if len(slots) == 0 {
			// New size is block aligned; the straddling slot itself goes too.
			r, err := f.catalog.DeleteExtentsFromTx(ctx, tx, ino, size)
			if err != nil {
				return err
			}
			removed = append(removed, r...)
		}
		for _, rid := range removed {
			if _, err := f.catalog.DecRefTx(ctx, tx, rid); err != nil {
				return err
			}
		}
		now := time.Now()
		return f.catalog.UpdateInodeTx(ctx, tx, ino, &catalog.InodeUpdate{Size: &size, Mtime: &now})
	})
	if err != nil {
		f.unwindSlots(slots)
		return f.degrade(err)
	}

	for _, s := range slots {
		if s.created || s.state != catalog.BlockUploaded {
			f.engine.Track(ino, s.id)
			f.engine.Enqueue(s.id)
		} else {
			f.cache.MarkClean(s.id)
		}
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
