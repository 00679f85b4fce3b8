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
	"time"

	"github.com/uptrace/bun"

	"blobfs/internal/common"
)

// --- Inode Operations ---

// GetInode retrieves an inode by number.
// Returns common.ErrNotFound if the inode doesn't exist.
func (c *Catalog) GetInode(ctx context.Context, ino int64) (*Inode, error) {
	return c.GetInodeTx(ctx, c.bun, ino)
}

// GetInodeTx is like GetInode but uses the provided bun.IDB.
func (c *Catalog) GetInodeTx(ctx context.Context, idb bun.IDB, ino int64) (*Inode, error) {
	var m InodeModel
	err := idb.NewSelect().
		Model(&m).
		Where("ino = ?", ino).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.ToInode(), nil
}

// CreateInodeTx inserts a new inode and returns its number.
func (c *Catalog) CreateInodeTx(ctx context.Context, idb bun.IDB, mode uint32) (int64, error) {
	now := time.Now().Unix()
	nlink := int64(1)
	if mode&ModeMask == ModeDir {
		nlink = 2
	}
	m := &InodeModel{
		Mode:  int64(mode),
		Atime: now,
		Mtime: now,
		Ctime: now,
		Nlink: nlink,
	}
	// RETURNING because libsql doesn't support LastInsertId.
	_, err := idb.NewInsert().
		Model(m).
		Returning("ino").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return m.Ino, nil
}

// InodeUpdate holds optional inode attribute changes; nil fields are untouched.
type InodeUpdate struct {
	Size  *int64
	Mtime *time.Time
	Atime *time.Time
	Nlink *int64
}

// UpdateInodeTx applies an InodeUpdate. ctime is always refreshed.
func (c *Catalog) UpdateInodeTx(ctx context.Context, idb bun.IDB, ino int64, u *InodeUpdate) error {
	q := idb.NewUpdate().
		Model((*InodeModel)(nil)).
		Set("ctime = ?", time.Now().Unix()).
		Where("ino = ?", ino)
	if u.Size != nil {
		q = q.Set("size = ?", *u.Size)
	}
	if u.Mtime != nil {
		q = q.Set("mtime = ?", u.Mtime.Unix())
	}
	if u.Atime != nil {
		q = q.Set("atime = ?", u.Atime.Unix())
	}
	if u.Nlink != nil {
		q = q.Set("nlink = ?", *u.Nlink)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// AdjustNlinkTx adds delta to the inode's link count and returns the new
// value. Dropping below zero is a constraint violation.
func (c *Catalog) AdjustNlinkTx(ctx context.Context, idb bun.IDB, ino int64, delta int64) (int64, error) {
	res, err := idb.NewUpdate().
		Model((*InodeModel)(nil)).
		Set("nlink = nlink + ?", delta).
		Set("ctime = ?", time.Now().Unix()).
		Where("ino = ?", ino).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, common.ErrNotFound
	}
	var nlink int64
	if err := idb.NewRaw(`SELECT nlink FROM inodes WHERE ino = ?`, ino).Scan(ctx, &nlink); err != nil {
		return 0, err
	}
	if nlink < 0 {
		return nlink, common.ErrConstraintViolation
	}
	return nlink, nil
}

// DeleteInodeTx removes an inode row. The caller is responsible for having
// removed its extents first.
func (c *Catalog) DeleteInodeTx(ctx context.Context, idb bun.IDB, ino int64) error {
	_, err := idb.NewDelete().
		Model((*InodeModel)(nil)).
		Where("ino = ?", ino).
		Exec(ctx)
	return err
}

// --- Dentry Operations ---

// Lookup resolves (parent, name) to a directory entry.
// Returns common.ErrNotFound if no entry exists.
func (c *Catalog) Lookup(ctx context.Context, parentIno int64, name string) (*DentryModel, error) {
	return c.LookupTx(ctx, c.bun, parentIno, name)
}

// LookupTx is like Lookup but uses the provided bun.IDB.
func (c *Catalog) LookupTx(ctx context.Context, idb bun.IDB, parentIno int64, name string) (*DentryModel, error) {
	var d DentryModel
	err := idb.NewSelect().
		Model(&d).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertDentryTx creates a directory entry. Name uniqueness within the
// parent is enforced by the primary key; a duplicate surfaces as ErrExists.
func (c *Catalog) InsertDentryTx(ctx context.Context, idb bun.IDB, parentIno int64, name string, ino int64) error {
	if _, err := c.LookupTx(ctx, idb, parentIno, name); err == nil {
		return common.ErrExists
	}
	_, err := idb.NewInsert().
		Model(&DentryModel{ParentIno: parentIno, Name: name, Ino: ino}).
		Exec(ctx)
	return err
}

// DeleteDentryTx removes a directory entry.
func (c *Catalog) DeleteDentryTx(ctx context.Context, idb bun.IDB, parentIno int64, name string) error {
	res, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// RenameDentryTx moves an entry from (srcParent, srcName) to
// (dstParent, dstName). The destination must not exist; replace semantics
// are the caller's concern (unlink first, inside the same transaction).
func (c *Catalog) RenameDentryTx(ctx context.Context, idb bun.IDB, srcParent int64, srcName string, dstParent int64, dstName string) error {
	if _, err := c.LookupTx(ctx, idb, dstParent, dstName); err == nil {
		return common.ErrExists
	}
	res, err := idb.NewUpdate().
		Model((*DentryModel)(nil)).
		Set("parent_ino = ?", dstParent).
		Set("name = ?", dstName).
		Where("parent_ino = ?", srcParent).
		Where("name = ?", srcName).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// ListDir returns all entries under a parent, ordered by name.
func (c *Catalog) ListDir(ctx context.Context, parentIno int64) ([]DirEntry, error) {
	type rawEntry struct {
		Name  string
		Ino   int64
		Mode  int64
		Size  int64
		Mtime int64
	}
	var raw []rawEntry
	err := c.bun.NewRaw(`
		SELECT d.name, d.ino, i.mode, i.size, i.mtime
		FROM dentries d
		INNER JOIN inodes i ON d.ino = i.ino
		WHERE d.parent_ino = ?
		ORDER BY d.name
	`, parentIno).Scan(ctx, &raw)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, len(raw))
	for i, r := range raw {
		entries[i] = DirEntry{
			Name:  r.Name,
			Ino:   r.Ino,
			Mode:  uint32(r.Mode),
			Size:  r.Size,
			Mtime: time.Unix(r.Mtime, 0),
		}
	}
	return entries, nil
}

// HasChildrenTx reports whether a directory has any entries.
func (c *Catalog) HasChildrenTx(ctx context.Context, idb bun.IDB, parentIno int64) (bool, error) {
	return idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Exists(ctx)
}

// CountLinksTx counts dentries pointing at an inode. Used by fsck to verify
// nlink bookkeeping.
func (c *Catalog) CountLinksTx(ctx context.Context, idb bun.IDB, ino int64) (int64, error) {
	n, err := idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("ino = ?", ino).
		Count(ctx)
	return int64(n), err
}
