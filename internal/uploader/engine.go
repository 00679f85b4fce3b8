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

// Package uploader moves dirty blocks from the local cache to the remote
// object store in the background, and fetches missing blocks back on demand.
//
// Uploads are decoupled from writes: a write returns as soon as the block
// is durable in the cache and recorded in the catalog as pending. Workers
// encode and push pending blocks, then flip them to uploaded. Each block
// carries an interest set of the inodes whose data it holds; Sync on an
// inode blocks until its interest set is empty. Because blocks are
// deduplicated, a single upload can satisfy the Sync of several inodes.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"blobfs/internal/block"
	"blobfs/internal/cache"
	"blobfs/internal/catalog"
	"blobfs/internal/codec"
	"blobfs/internal/common"
	"blobfs/internal/config"
	"blobfs/internal/metrics"
	"blobfs/internal/remote"
	"blobfs/internal/util"
)

// Engine is the write-back upload engine for a single mount.
type Engine struct {
	remote  remote.ObjectStore
	codec   *codec.Codec
	catalog *catalog.Catalog
	cache   *cache.Cache
	metrics *metrics.Collector
	cfg     config.UploadConfig
	log     *log.Entry

	queue chan block.ID

	mu       sync.Mutex
	cond     *sync.Cond
	inflight map[block.ID]struct{}           // queued or being uploaded
	interest map[int64]map[block.ID]struct{} // ino -> blocks it is waiting on
	holders  map[block.ID]map[int64]struct{} // block -> inos waiting on it
	failed   map[int64]map[block.ID]struct{} // ino -> blocks whose upload failed
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine and starts its worker pool.
func New(store remote.ObjectStore, cdc *codec.Codec, cat *catalog.Catalog, blockCache *cache.Cache, m *metrics.Collector, cfg config.UploadConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		remote:   store,
		codec:    cdc,
		catalog:  cat,
		cache:    blockCache,
		metrics:  m,
		cfg:      cfg,
		log:      log.WithField("component", "uploader"),
		queue:    make(chan block.ID, cfg.QueueDepth),
		inflight: make(map[block.ID]struct{}),
		interest: make(map[int64]map[block.ID]struct{}),
		holders:  make(map[block.ID]map[int64]struct{}),
		failed:   make(map[int64]map[block.ID]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Enqueue schedules a block for upload. A block already queued or in
// flight is not queued twice; its eventual completion settles every
// interested inode.
func (e *Engine) Enqueue(id block.ID) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, ok := e.inflight[id]; ok {
		e.mu.Unlock()
		return
	}
	e.inflight[id] = struct{}{}
	e.mu.Unlock()

	select {
	case e.queue <- id:
	case <-e.ctx.Done():
		e.settle(id, e.ctx.Err())
	}
}

// Track registers ino's interest in a block that is not yet uploaded.
// Called for every dirty write, and also when a write deduplicates against
// a block another inode already has in flight.
func (e *Engine) Track(ino int64, id block.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interest[ino] == nil {
		e.interest[ino] = make(map[block.ID]struct{})
	}
	e.interest[ino][id] = struct{}{}
	if e.holders[id] == nil {
		e.holders[id] = make(map[int64]struct{})
	}
	e.holders[id][ino] = struct{}{}
}

// Sync blocks until every block ino is interested in has been uploaded.
// Blocks whose previous upload attempt failed get one fresh attempt per
// Sync call; if they fail again, Sync returns ErrUploadFailed and the
// blocks stay dirty in the cache for the next attempt.
func (e *Engine) Sync(ctx context.Context, ino int64) error {
	e.mu.Lock()
	var retryIDs []block.ID
	for id := range e.failed[ino] {
		retryIDs = append(retryIDs, id)
		if e.interest[ino] == nil {
			e.interest[ino] = make(map[block.ID]struct{})
		}
		e.interest[ino][id] = struct{}{}
		if e.holders[id] == nil {
			e.holders[id] = make(map[int64]struct{})
		}
		e.holders[id][ino] = struct{}{}
	}
	delete(e.failed, ino)
	e.mu.Unlock()

	for _, id := range retryIDs {
		e.Enqueue(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { e.cond.Broadcast() })
	defer stop()
	for len(e.interest[ino]) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.cond.Wait()
	}
	if blocks := e.failed[ino]; len(blocks) > 0 {
		delete(e.failed, ino)
		return fmt.Errorf("%d block(s) could not be uploaded: %w", len(blocks), common.ErrUploadFailed)
	}
	return nil
}

// Fetch returns a block's plaintext, reading through the cache. On a miss
// it downloads and decodes the remote object. A not-found response is
// retried within the budget when the catalog says the block was uploaded:
// object listings can lag a recent upload.
func (e *Engine) Fetch(ctx context.Context, id block.ID) ([]byte, error) {
	if data, ok := e.cache.Get(id); ok {
		return data, nil
	}

	blk, err := e.catalog.GetBlock(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}

	retryIf := func(err error) bool {
		if errors.Is(err, remote.ErrNoSuchObject) {
			return blk.State == catalog.BlockUploaded
		}
		return util.IsTransient(err)
	}
	frame, err := util.RetryWithResult(ctx, func() ([]byte, error) {
		return e.remote.Get(ctx, id.String())
	}, util.FetchRetryOptions(ctx, e.cfg.RetryAttempts, e.cfg.RetryInitialDelay, e.cfg.RetryMaxDelay, retryIf)...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	e.metrics.BytesFetched.Add(float64(len(frame)))

	plaintext, err := e.codec.Decode(id, frame)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	e.cache.PutClean(id, plaintext)
	return plaintext, nil
}

// Drain enqueues every remaining dirty block and waits for the queue to
// settle. Used at unmount so no acknowledged write is lost.
func (e *Engine) Drain(ctx context.Context) error {
	for _, id := range e.cache.Dirty() {
		e.Enqueue(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { e.cond.Broadcast() })
	defer stop()
	for len(e.inflight) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.cond.Wait()
	}
	var failed int
	for _, blocks := range e.failed {
		failed += len(blocks)
	}
	if failed > 0 {
		return fmt.Errorf("%d block(s) could not be uploaded: %w", failed, common.ErrUploadFailed)
	}
	return nil
}

// Close stops the workers. Callers should Drain first; blocks still queued
// at Close are abandoned (they remain pending in the catalog and dirty in
// the cache, and will be retried on the next mount's drain or sync). The
// queue channel is never closed so a straggling Enqueue can only find a
// buffered send or the cancelled context, never a panic.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	// Settle anything enqueued after the workers stopped so Sync and Drain
	// waiters are not left hanging.
	for {
		select {
		case id := <-e.queue:
			e.settle(id, context.Canceled)
		default:
			return
		}
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			if e.ctx.Err() != nil {
				e.settle(id, e.ctx.Err())
				continue
			}
			e.process(id)
		}
	}
}

func (e *Engine) process(id block.ID) {
	data, ok := e.cache.Get(id)
	if !ok {
		// The write transaction that produced this block was rolled back
		// and the cache entry dropped. Nothing to upload.
		e.settle(id, nil)
		return
	}

	frame, err := e.codec.Encode(id, data)
	if err != nil {
		e.fail(id, err)
		return
	}

	opts := util.UploadRetryOptions(e.ctx, e.cfg.RetryAttempts, e.cfg.RetryInitialDelay, e.cfg.RetryMaxDelay)
	opts = append(opts, retry.OnRetry(func(n uint, err error) {
		e.metrics.UploadRetries.Inc()
		e.log.WithField("block", id.String()).WithField("attempt", n+1).WithError(err).Warn("upload attempt failed, retrying")
	}))
	err = util.Retry(e.ctx, func() error {
		return e.remote.Put(e.ctx, id.String(), frame)
	}, opts...)
	if err != nil {
		e.fail(id, err)
		return
	}

	if err := e.catalog.MarkUploaded(e.ctx, id.String(), int64(len(frame))); err != nil {
		e.fail(id, err)
		return
	}
	e.cache.MarkClean(id)
	e.metrics.BlocksUploaded.Inc()
	e.metrics.BytesUploaded.Add(float64(len(frame)))
	e.settle(id, nil)
}

// fail records an exhausted upload. The cache entry stays dirty and pinned
// so the data survives for a later retry; the catalog row is flipped to
// upload-failed and every interested inode gets a deferred error.
func (e *Engine) fail(id block.ID, err error) {
	e.log.WithField("block", id.String()).WithError(err).Error("block upload failed")
	if serr := e.catalog.SetBlockState(context.Background(), id.String(), catalog.BlockUploadFailed); serr != nil {
		e.log.WithField("block", id.String()).WithError(serr).Error("failed to record upload failure")
	}
	e.metrics.BlocksFailed.Inc()
	e.settle(id, err)
}

// settle clears a block from the inflight and interest maps and wakes
// Sync and Drain waiters. A non-nil err defers the failure to each
// interested inode.
func (e *Engine) settle(id block.ID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
	for ino := range e.holders[id] {
		if set := e.interest[ino]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(e.interest, ino)
			}
		}
		if err != nil {
			if e.failed[ino] == nil {
				e.failed[ino] = make(map[block.ID]struct{})
			}
			e.failed[ino][id] = struct{}{}
		}
	}
	delete(e.holders, id)
	e.cond.Broadcast()
}
