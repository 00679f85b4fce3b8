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

const SchemaVersion = "1"

// Meta table keys written at mkfs time and checked on every mount.
const (
	MetaSchemaVersion  = "schema_version"
	MetaBlockSize      = "block_size"
	MetaKeyFingerprint = "key_fingerprint"
	MetaCreatedAt      = "created_at"
)

// Block upload states.
const (
	BlockPending      = "pending"       // dirty in cache, not yet durable
	BlockUploaded     = "uploaded"      // confirmed in the remote store
	BlockUploadFailed = "upload-failed" // retry budget exhausted, still dirty locally
	BlockOrphaned     = "orphaned"      // refcount zero, awaiting GC sweep
)

// File mode constants (POSIX type bits).
const (
	ModeDir  = 0040000
	ModeFile = 0100000
	ModeMask = 0170000
)

// Default permissions
const (
	DefaultDirMode  = ModeDir | 0755
	DefaultFileMode = ModeFile | 0644
)

// RootIno is the inode number of the filesystem root directory.
const RootIno = 1

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

const catalogSchema = `
-- Mount-wide metadata: schema version, block size, key fingerprint
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- File/directory metadata
CREATE TABLE IF NOT EXISTS inodes (
    ino INTEGER PRIMARY KEY AUTOINCREMENT,
    mode INTEGER NOT NULL,
    uid INTEGER NOT NULL DEFAULT 0,
    gid INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    atime INTEGER NOT NULL,
    mtime INTEGER NOT NULL,
    ctime INTEGER NOT NULL,
    nlink INTEGER NOT NULL DEFAULT 1
);

-- Directory entries: (parent, name) -> child inode
CREATE TABLE IF NOT EXISTS dentries (
    parent_ino INTEGER NOT NULL,
    name TEXT NOT NULL,
    ino INTEGER NOT NULL,
    PRIMARY KEY (parent_ino, name)
);

CREATE INDEX IF NOT EXISTS idx_dentries_ino ON dentries(ino);

-- Content-addressed blocks. refcount counts referencing extents across all
-- inodes; a block row is removed only by GC after confirmed remote deletion.
CREATE TABLE IF NOT EXISTS blocks (
    id TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    stored_size INTEGER NOT NULL DEFAULT 0,
    refcount INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'pending'
        CHECK (state IN ('pending', 'uploaded', 'upload-failed', 'orphaned'))
);

CREATE INDEX IF NOT EXISTS idx_blocks_state ON blocks(state);
CREATE INDEX IF NOT EXISTS idx_blocks_refcount ON blocks(refcount);

-- Extents map a file's logical byte range onto a block. block_off is the
-- offset within the block's plaintext where the range begins.
CREATE TABLE IF NOT EXISTS extents (
    ino INTEGER NOT NULL,
    off INTEGER NOT NULL,
    length INTEGER NOT NULL,
    block_id TEXT NOT NULL,
    block_off INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (ino, off)
);

CREATE INDEX IF NOT EXISTS idx_extents_block ON extents(block_id);
`
