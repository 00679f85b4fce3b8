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
	"time"

	"github.com/uptrace/bun"
)

// Bun ORM models for the catalog tables.

// MetaModel represents the meta table
type MetaModel struct {
	bun.BaseModel `bun:"table:meta"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the inodes table.
// Note: Times are stored as Unix timestamps in the database.
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino   int64 `bun:"ino,pk,autoincrement"`
	Mode  int64 `bun:"mode,notnull"`
	UID   int64 `bun:"uid,notnull"`
	GID   int64 `bun:"gid,notnull"`
	Size  int64 `bun:"size,notnull"`
	Atime int64 `bun:"atime,notnull"` // Unix timestamp
	Mtime int64 `bun:"mtime,notnull"` // Unix timestamp
	Ctime int64 `bun:"ctime,notnull"` // Unix timestamp
	Nlink int64 `bun:"nlink,notnull"`
}

// ToInode converts an InodeModel to the Inode domain struct
func (m *InodeModel) ToInode() *Inode {
	return &Inode{
		Ino:   m.Ino,
		Mode:  uint32(m.Mode),
		Uid:   uint32(m.UID),
		Gid:   uint32(m.GID),
		Size:  m.Size,
		Atime: time.Unix(m.Atime, 0),
		Mtime: time.Unix(m.Mtime, 0),
		Ctime: time.Unix(m.Ctime, 0),
		Nlink: int32(m.Nlink),
	}
}

// DentryModel represents the dentries table
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// BlockModel represents the blocks table
type BlockModel struct {
	bun.BaseModel `bun:"table:blocks"`

	ID         string `bun:"id,pk"` // hex BLAKE3 digest of the plaintext
	Size       int64  `bun:"size,notnull"`
	StoredSize int64  `bun:"stored_size,notnull"`
	Refcount   int64  `bun:"refcount,notnull"`
	State      string `bun:"state,notnull"`
}

// ExtentModel represents the extents table
type ExtentModel struct {
	bun.BaseModel `bun:"table:extents"`

	Ino      int64  `bun:"ino,pk"`
	Off      int64  `bun:"off,pk"`
	Length   int64  `bun:"length,notnull"`
	BlockID  string `bun:"block_id,notnull"`
	BlockOff int64  `bun:"block_off,notnull"`
}

// ToExtent converts an ExtentModel to the Extent domain struct
func (m *ExtentModel) ToExtent() Extent {
	return Extent{
		Ino:      m.Ino,
		Off:      m.Off,
		Length:   m.Length,
		BlockID:  m.BlockID,
		BlockOff: m.BlockOff,
	}
}

// Inode is the domain view of an inode row.
type Inode struct {
	Ino   int64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Nlink int32
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool {
	return i.Mode&ModeMask == ModeDir
}

// Extent maps a contiguous logical range of a file onto a stored block.
type Extent struct {
	Ino      int64
	Off      int64 // logical byte offset within the file
	Length   int64
	BlockID  string // hex block ID
	BlockOff int64  // offset within the block plaintext
}

// End returns the exclusive end offset of the extent's logical range.
func (e Extent) End() int64 {
	return e.Off + e.Length
}

// DirEntry is a single readdir result.
type DirEntry struct {
	Name  string
	Ino   int64
	Mode  uint32
	Size  int64
	Mtime time.Time
}

// Block is the domain view of a block row.
type Block struct {
	ID         string
	Size       int64
	StoredSize int64
	Refcount   int64
	State      string
}
