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

// Package catalog is the transactional metadata catalog: the single source
// of truth mapping inodes, directory entries, and file-offset ranges to
// content-addressed blocks. All multi-step mutations run inside one SQLite
// transaction; a failure mid-sequence rolls back to the prior state.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"blobfs/internal/util"
)

// Catalog wraps the SQLite metadata store for one mount.
type Catalog struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// CreateParams are the mount-wide values recorded in the meta table at
// mkfs time and verified on every subsequent open.
type CreateParams struct {
	BlockSize      int64
	KeyFingerprint string
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first — journal_mode=WAL below needs exclusive access
	// and will wait for locks instead of failing immediately.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	// synchronous=NORMAL under WAL is safe against process crashes and
	// avoids an fsync per commit.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// execStatements executes a multi-statement SQL script one statement at a
// time (libsql does not accept scripts in a single Exec).
func execStatements(db *sql.DB, script string) error {
	var current strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			if _, err := db.Exec(current.String()); err != nil {
				return err
			}
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		if _, err := db.Exec(current.String()); err != nil {
			return err
		}
	}
	return nil
}

func open(path string) (*Catalog, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}, nil
}

// Create initializes a new catalog file with the schema, meta rows, and the
// root directory inode. It fails if the file already exists.
func Create(path string, params CreateParams) (*Catalog, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("catalog already exists: %s", path)
	}
	c, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := execStatements(c.db, catalogSchema); err != nil {
		c.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	ctx := context.Background()
	now := time.Now().Unix()
	meta := map[string]string{
		MetaSchemaVersion:  SchemaVersion,
		MetaBlockSize:      fmt.Sprint(params.BlockSize),
		MetaKeyFingerprint: params.KeyFingerprint,
		MetaCreatedAt:      fmt.Sprint(now),
	}
	err = c.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for k, v := range meta {
			if err := c.SetMetaTx(ctx, tx, k, v); err != nil {
				return err
			}
		}
		// Root directory: fixed ino 1, nlink 2 ("." and "..").
		root := &InodeModel{
			Ino:   RootIno,
			Mode:  DefaultDirMode,
			Atime: now,
			Mtime: now,
			Ctime: now,
			Nlink: 2,
		}
		_, err := tx.NewInsert().Model(root).Exec(ctx)
		return err
	})
	if err != nil {
		c.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}
	return c, nil
}

// Open opens an existing catalog and verifies its meta rows against the
// mount parameters. A block-size or key mismatch is refused outright.
func Open(path string, params CreateParams) (*Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("catalog not found: %s", path)
	}
	c, err := open(path)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	version, err := c.GetMeta(ctx, MetaSchemaVersion)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to read catalog meta: %w", err)
	}
	if version != SchemaVersion {
		c.Close()
		return nil, fmt.Errorf("unsupported catalog schema version %q (want %q)", version, SchemaVersion)
	}
	if bs, _ := c.GetMeta(ctx, MetaBlockSize); bs != fmt.Sprint(params.BlockSize) {
		c.Close()
		return nil, fmt.Errorf("block size mismatch: catalog has %s, config has %d", bs, params.BlockSize)
	}
	if fp, _ := c.GetMeta(ctx, MetaKeyFingerprint); fp != params.KeyFingerprint {
		c.Close()
		return nil, fmt.Errorf("master key fingerprint mismatch: catalog was created with a different key")
	}
	return c, nil
}

// OpenUnchecked opens a catalog without meta verification. Used by offline
// tooling (fsck, gc, stats) that does not hold the master key.
func OpenUnchecked(path string) (*Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("catalog not found: %s", path)
	}
	return open(path)
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	// Merge the WAL into the main file so the catalog is a single
	// self-contained store file at rest.
	_ = execPragma(c.db, "PRAGMA wal_checkpoint(TRUNCATE)")
	err := c.db.Close()
	c.db = nil
	return err
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.path
}

// DB exposes the bun handle for read-only queries outside a transaction.
func (c *Catalog) DB() bun.IDB {
	return c.bun
}

// RunInTx executes fn inside a database transaction. Any error rolls the
// transaction back, leaving the catalog byte-for-byte at its prior state.
// Retries "database is locked" errors from WAL checkpoint contention when a
// CLI process has the catalog open alongside the mount; fn must therefore be
// safe to re-run from scratch.
func (c *Catalog) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return util.Retry(ctx, func() error {
		return c.bun.RunInTx(ctx, nil, fn)
	}, util.DatabaseRetryOptions(ctx)...)
}

// --- Meta Operations ---

// GetMeta retrieves a meta value by key. Missing keys return "".
func (c *Catalog) GetMeta(ctx context.Context, key string) (string, error) {
	var m MetaModel
	err := c.bun.NewSelect().
		Model(&m).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

// SetMetaTx sets a meta value (upserts) within a transaction.
func (c *Catalog) SetMetaTx(ctx context.Context, idb bun.IDB, key, value string) error {
	_, err := idb.NewInsert().
		Model(&MetaModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// Stats summarizes catalog contents for the stats command and tests.
type Stats struct {
	Inodes         int
	Dentries       int
	Extents        int
	Blocks         int
	BlocksPending  int
	BlocksUploaded int
	BlocksFailed   int
	ZeroRefBlocks  int
	LogicalBytes   int64
	StoredBytes    int64
}

// GetStats collects row counts and byte totals.
func (c *Catalog) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	err := c.bun.NewRaw(`
		SELECT
			(SELECT COUNT(*) FROM inodes),
			(SELECT COUNT(*) FROM dentries),
			(SELECT COUNT(*) FROM extents),
			(SELECT COUNT(*) FROM blocks),
			(SELECT COUNT(*) FROM blocks WHERE state = 'pending'),
			(SELECT COUNT(*) FROM blocks WHERE state = 'uploaded'),
			(SELECT COUNT(*) FROM blocks WHERE state = 'upload-failed'),
			(SELECT COUNT(*) FROM blocks WHERE refcount = 0),
			(SELECT COALESCE(SUM(size), 0) FROM blocks),
			(SELECT COALESCE(SUM(stored_size), 0) FROM blocks)
	`).Scan(ctx,
		&s.Inodes, &s.Dentries, &s.Extents, &s.Blocks,
		&s.BlocksPending, &s.BlocksUploaded, &s.BlocksFailed,
		&s.ZeroRefBlocks, &s.LogicalBytes, &s.StoredBytes)
	if err != nil {
		return nil, err
	}
	return s, nil
}
