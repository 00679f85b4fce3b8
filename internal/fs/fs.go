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

// Package fs implements the filesystem operation layer: the POSIX-shaped
// surface (read, write, truncate, namespace ops) over the catalog, cache,
// codec and upload engine. An OS integration (FUSE, NFS) sits above this
// package and translates kernel requests into these calls.
package fs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"blobfs/internal/cache"
	"blobfs/internal/catalog"
	"blobfs/internal/codec"
	"blobfs/internal/common"
	"blobfs/internal/config"
	"blobfs/internal/gc"
	"blobfs/internal/metrics"
	"blobfs/internal/remote"
	"blobfs/internal/uploader"
)

// RootIno is the inode number of the filesystem root directory.
const RootIno = catalog.RootIno

// Filesystem is a single mounted blobfs instance.
type Filesystem struct {
	cfg       *config.Config
	catalog   *catalog.Catalog
	cache     *cache.Cache
	remote    remote.ObjectStore
	codec     *codec.Codec
	engine    *uploader.Engine
	sweeper   *gc.Sweeper
	metrics   *metrics.Collector
	lock      *flock.Flock
	log       *log.Entry
	blockSize int64

	// readOnly is set when a catalog constraint violation is detected.
	// Reads keep working; writes fail with ErrReadOnly until remount.
	readOnly atomic.Bool

	// Per-inode locks serialize extent mutation for an inode. Entries are
	// created on demand and never removed; the map is bounded by the number
	// of distinct inodes touched during the mount.
	inoMu    sync.Mutex
	inoLocks map[int64]*sync.RWMutex

	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// KeyFingerprint derives the non-secret catalog fingerprint of a master
// key. Recorded at mkfs time so a mount with the wrong key fails fast
// instead of producing undecryptable blocks.
func KeyFingerprint(master [32]byte) string {
	sum := blake3.Sum256(master[:])
	return hex.EncodeToString(sum[:8])
}

// Open mounts a filesystem from its configuration: acquires the exclusive
// mount lock, opens and verifies the catalog, wipes and opens the cache,
// connects the remote store and starts the upload engine and, when
// enabled, the periodic GC sweep.
func Open(ctx context.Context, cfg *config.Config) (*Filesystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	master, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}

	mountLock := flock.New(cfg.CatalogPath + ".lock")
	locked, err := mountLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire mount lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("catalog %s is already mounted by another process", cfg.CatalogPath)
	}

	cat, err := catalog.Open(cfg.CatalogPath, catalog.CreateParams{
		BlockSize:      cfg.BlockSize,
		KeyFingerprint: KeyFingerprint(master),
	})
	if err != nil {
		mountLock.Unlock()
		return nil, err
	}

	m := metrics.New()

	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		cat.Close()
		mountLock.Unlock()
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	blockCache, err := cache.New(osfs.New(cfg.CacheDir), cfg.CacheCapacity, m)
	if err != nil {
		cat.Close()
		mountLock.Unlock()
		return nil, err
	}

	store, err := remote.New(ctx, &cfg.Remote)
	if err != nil {
		cat.Close()
		mountLock.Unlock()
		return nil, err
	}

	cdc, err := codec.New(master)
	if err != nil {
		cat.Close()
		mountLock.Unlock()
		return nil, err
	}

	f := &Filesystem{
		cfg:       cfg,
		catalog:   cat,
		cache:     blockCache,
		remote:    store,
		codec:     cdc,
		engine:    uploader.New(store, cdc, cat, blockCache, m, cfg.Upload),
		metrics:   m,
		lock:      mountLock,
		log:       log.WithField("component", "fs"),
		blockSize: cfg.BlockSize,
		inoLocks:  make(map[int64]*sync.RWMutex),
	}
	f.sweeper = gc.New(cat, store, blockCache, m)

	if cfg.GC.Enabled {
		gcCtx, cancel := context.WithCancel(context.Background())
		f.gcCancel = cancel
		f.gcDone = make(chan struct{})
		go f.gcLoop(gcCtx)
	}

	f.log.WithFields(log.Fields{
		"catalog":    cfg.CatalogPath,
		"block_size": cfg.BlockSize,
		"cache":      cfg.CacheCapacity,
		"backend":    cfg.Remote.Backend,
	}).Info("filesystem mounted")
	return f, nil
}

// Close unmounts: drains pending uploads, stops the workers and the GC
// loop, checkpoints and closes the catalog and releases the mount lock.
// A drain failure is returned but teardown still completes; failed blocks
// remain recorded as upload-failed in the catalog.
func (f *Filesystem) Close(ctx context.Context) error {
	if f.gcCancel != nil {
		f.gcCancel()
		<-f.gcDone
	}

	drainErr := f.engine.Drain(ctx)
	f.engine.Close()

	if err := f.catalog.Close(); err != nil {
		f.log.WithError(err).Warn("failed to close catalog cleanly")
	}
	if err := f.lock.Unlock(); err != nil {
		f.log.WithError(err).Warn("failed to release mount lock")
	}
	f.log.Info("filesystem unmounted")
	return drainErr
}

// Sync blocks until every write acknowledged for ino is durable remotely.
func (f *Filesystem) Sync(ctx context.Context, ino int64) error {
	return f.engine.Sync(ctx, ino)
}

// ReadOnly reports whether the mount has been degraded to read-only after
// a consistency violation.
func (f *Filesystem) ReadOnly() bool {
	return f.readOnly.Load()
}

// Metrics exposes the mount's metrics collector for scraping.
func (f *Filesystem) Metrics() *metrics.Collector {
	return f.metrics
}

// Sweeper exposes the garbage collector for explicit runs.
func (f *Filesystem) Sweeper() *gc.Sweeper {
	return f.sweeper
}

func (f *Filesystem) gcLoop(ctx context.Context) {
	defer close(f.gcDone)
	ticker := time.NewTicker(f.cfg.GC.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.sweeper.Sweep(ctx, gc.DefaultSweepLimit); err != nil && !errors.Is(err, context.Canceled) {
				f.log.WithError(err).Error("periodic gc sweep failed")
			}
		}
	}
}

func (f *Filesystem) inodeLock(ino int64) *sync.RWMutex {
	f.inoMu.Lock()
	defer f.inoMu.Unlock()
	lk, ok := f.inoLocks[ino]
	if !ok {
		lk = &sync.RWMutex{}
		f.inoLocks[ino] = lk
	}
	return lk
}

// checkWritable gates every mutating operation.
func (f *Filesystem) checkWritable() error {
	if f.readOnly.Load() {
		return common.ErrReadOnly
	}
	return nil
}

// degrade flips the mount read-only when err is a consistency violation.
// The catalog transaction that detected the violation has already been
// rolled back; refusing further writes keeps the damage from spreading
// until fsck can inspect the catalog.
func (f *Filesystem) degrade(err error) error {
	if errors.Is(err, common.ErrConstraintViolation) && f.readOnly.CompareAndSwap(false, true) {
		f.log.WithError(err).Error("catalog consistency violation, mount is now read-only")
	}
	return err
}
