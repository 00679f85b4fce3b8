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
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"blobfs/internal/catalog"
	"blobfs/internal/common"
)

// validateName rejects entry names the dentry table cannot represent.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return common.ErrInvalidPath
	}
	return nil
}

// Lookup resolves one path component under parent.
func (f *Filesystem) Lookup(ctx context.Context, parent int64, name string) (*catalog.Inode, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	dentry, err := f.catalog.Lookup(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	return f.catalog.GetInode(ctx, dentry.Ino)
}

// GetInode returns an inode's attributes.
func (f *Filesystem) GetInode(ctx context.Context, ino int64) (*catalog.Inode, error) {
	return f.catalog.GetInode(ctx, ino)
}

// ReadDir lists a directory's entries.
func (f *Filesystem) ReadDir(ctx context.Context, ino int64) ([]catalog.DirEntry, error) {
	inode, err := f.catalog.GetInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !inode.IsDir() {
		return nil, common.ErrNotDir
	}
	return f.catalog.ListDir(ctx, ino)
}

// Create makes a new empty file under parent.
func (f *Filesystem) Create(ctx context.Context, parent int64, name string, mode uint32) (*catalog.Inode, error) {
	if mode&catalog.ModeMask == 0 {
		mode |= catalog.ModeFile
	}
	if mode&catalog.ModeMask != catalog.ModeFile {
		return nil, common.ErrIsDir
	}
	return f.createEntry(ctx, parent, name, mode)
}

// Mkdir makes a new empty directory under parent. The parent's link count
// grows by one for the child's ".." entry.
func (f *Filesystem) Mkdir(ctx context.Context, parent int64, name string, mode uint32) (*catalog.Inode, error) {
	mode = (mode &^ catalog.ModeMask) | catalog.ModeDir
	return f.createEntry(ctx, parent, name, mode)
}

func (f *Filesystem) createEntry(ctx context.Context, parent int64, name string, mode uint32) (*catalog.Inode, error) {
	if err := f.checkWritable(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	var inode *catalog.Inode
	err := f.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		parentInode, err := f.catalog.GetInodeTx(ctx, tx, parent)
		if err != nil {
			return err
		}
		if !parentInode.IsDir() {
			return common.ErrNotDir
		}

		ino, err := f.catalog.CreateInodeTx(ctx, tx, mode)
		if err != nil {
			return err
		}
		if err := f.catalog.InsertDentryTx(ctx, tx, parent, name, ino); err != nil {
			return err
		}
		if mode&catalog.ModeMask == catalog.ModeDir {
			if _, err := f.catalog.AdjustNlinkTx(ctx, tx, parent, 1); err != nil {
				return err
			}
		}
		now := time.Now()
		if err := f.catalog.UpdateInodeTx(ctx, tx, parent, &catalog.InodeUpdate{Mtime: &now}); err != nil {
			return err
		}
		inode, err = f.catalog.GetInodeTx(ctx, tx, ino)
		return err
	})
	if err != nil {
		return nil, f.degrade(err)
	}
	return inode, nil
}

// Link adds a hard link to an existing file. Directories cannot be linked.
func (f *Filesystem) Link(ctx context.Context, ino, parent int64, name string) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	err := f.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		inode, err := f.catalog.GetInodeTx(ctx, tx, ino)
		if err != nil {
			return err
		}
		if inode.IsDir() {
			return common.ErrIsDir
		}
		parentInode, err := f.catalog.GetInodeTx(ctx, tx, parent)
		if err != nil {
			return err
		}
		if !parentInode.IsDir() {
			return common.ErrNotDir
		}
		if err := f.catalog.InsertDentryTx(ctx, tx, parent, name, ino); err != nil {
			return err
		}
		if _, err := f.catalog.AdjustNlinkTx(ctx, tx, ino, 1); err != nil {
			return err
		}
		now := time.Now()
		return f.catalog.UpdateInodeTx(ctx, tx, parent, &catalog.InodeUpdate{Mtime: &now})
	})
	return f.degrade(err)
}

// Unlink removes the entry (parent, name). For a file the link count drops
// by one; at zero the inode's extents are removed, every referenced block
// is released and the inode row goes away (the blocks themselves are left
// to the garbage collector). A directory must be empty and is removed
// outright.
func (f *Filesystem) Unlink(ctx context.Context, parent int64, name string) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	err := f.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		dentry, err := f.catalog.LookupTx(ctx, tx, parent, name)
		if err != nil {
			return err
		}
		inode, err := f.catalog.GetInodeTx(ctx, tx, dentry.Ino)
		if err != nil {
			return err
		}

		if inode.IsDir() {
			hasChildren, err := f.catalog.HasChildrenTx(ctx, tx, inode.Ino)
			if err != nil {
				return err
			}
			if hasChildren {
				return common.ErrNotEmpty
			}
			if err := f.catalog.DeleteDentryTx(ctx, tx, parent, name); err != nil {
				return err
			}
			// Parent loses the child's ".." back reference.
			if _, err := f.catalog.AdjustNlinkTx(ctx, tx, parent, -1); err != nil {
				return err
			}
			if err := f.catalog.DeleteInodeTx(ctx, tx, inode.Ino); err != nil {
				return err
			}
		} else {
			if err := f.catalog.DeleteDentryTx(ctx, tx, parent, name); err != nil {
				return err
			}
			nlink, err := f.catalog.AdjustNlinkTx(ctx, tx, inode.Ino, -1)
			if err != nil {
				return err
			}
			if nlink == 0 {
				removed, err := f.catalog.DeleteExtentsFromTx(ctx, tx, inode.Ino, 0)
				if err != nil {
					return err
				}
				for _, rid := range removed {
					if _, err := f.catalog.DecRefTx(ctx, tx, rid); err != nil {
						return err
					}
				}
				if err := f.catalog.DeleteInodeTx(ctx, tx, inode.Ino); err != nil {
					return err
				}
			}
		}

		now := time.Now()
		return f.catalog.UpdateInodeTx(ctx, tx, parent, &catalog.InodeUpdate{Mtime: &now})
	})
	return f.degrade(err)
}

// Rename moves (srcParent, srcName) to (dstParent, dstName). An existing
// destination is replaced: a file destination is unlinked, a directory
// destination must be empty. Directory moves adjust both parents' link
// counts for the ".." entry.
func (f *Filesystem) Rename(ctx context.Context, srcParent int64, srcName string, dstParent int64, dstName string) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := validateName(srcName); err != nil {
		return err
	}
	if err := validateName(dstName); err != nil {
		return err
	}
	if srcParent == dstParent && srcName == dstName {
		return nil
	}

	err := f.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		srcDentry, err := f.catalog.LookupTx(ctx, tx, srcParent, srcName)
		if err != nil {
			return err
		}
		srcInode, err := f.catalog.GetInodeTx(ctx, tx, srcDentry.Ino)
		if err != nil {
			return err
		}

		dstDentry, err := f.catalog.LookupTx(ctx, tx, dstParent, dstName)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if dstDentry != nil {
			if err := f.removeForReplace(ctx, tx, dstParent, dstName, dstDentry.Ino); err != nil {
				return err
			}
		}

		if err := f.catalog.RenameDentryTx(ctx, tx, srcParent, srcName, dstParent, dstName); err != nil {
			return err
		}
		if srcInode.IsDir() && srcParent != dstParent {
			if _, err := f.catalog.AdjustNlinkTx(ctx, tx, srcParent, -1); err != nil {
				return err
			}
			if _, err := f.catalog.AdjustNlinkTx(ctx, tx, dstParent, 1); err != nil {
				return err
			}
		}

		now := time.Now()
		if err := f.catalog.UpdateInodeTx(ctx, tx, srcParent, &catalog.InodeUpdate{Mtime: &now}); err != nil {
			return err
		}
		if dstParent != srcParent {
			if err := f.catalog.UpdateInodeTx(ctx, tx, dstParent, &catalog.InodeUpdate{Mtime: &now}); err != nil {
				return err
			}
		}
		return nil
	})
	return f.degrade(err)
}

// removeForReplace unlinks a rename destination inside the rename
// transaction.
func (f *Filesystem) removeForReplace(ctx context.Context, tx bun.Tx, parent int64, name string, ino int64) error {
	inode, err := f.catalog.GetInodeTx(ctx, tx, ino)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		hasChildren, err := f.catalog.HasChildrenTx(ctx, tx, ino)
		if err != nil {
			return err
		}
		if hasChildren {
			return common.ErrNotEmpty
		}
		if err := f.catalog.DeleteDentryTx(ctx, tx, parent, name); err != nil {
			return err
		}
		if _, err := f.catalog.AdjustNlinkTx(ctx, tx, parent, -1); err != nil {
			return err
		}
		return f.catalog.DeleteInodeTx(ctx, tx, ino)
	}

	if err := f.catalog.DeleteDentryTx(ctx, tx, parent, name); err != nil {
		return err
	}
	nlink, err := f.catalog.AdjustNlinkTx(ctx, tx, ino, -1)
	if err != nil {
		return err
	}
	if nlink == 0 {
		removed, err := f.catalog.DeleteExtentsFromTx(ctx, tx, ino, 0)
		if err != nil {
			return err
		}
		for _, rid := range removed {
			if _, err := f.catalog.DecRefTx(ctx, tx, rid); err != nil {
				return err
			}
		}
		return f.catalog.DeleteInodeTx(ctx, tx, ino)
	}
	return nil
}
