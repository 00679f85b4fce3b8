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

package common

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrInvalidPath = errors.New("invalid path")

	// ErrCorruptBlock indicates that a block read back from storage failed
	// content verification (AEAD open, decompression, or hash mismatch).
	// It is fatal for the read that hit it and is never repaired silently.
	ErrCorruptBlock = errors.New("corrupt block")

	// ErrConstraintViolation indicates broken catalog invariants (dangling
	// extent, negative refcount). The mount stops accepting writes once
	// this is observed; repair is an offline fsck concern.
	ErrConstraintViolation = errors.New("catalog constraint violation")

	// ErrUploadFailed is the deferred error returned by Sync when a block's
	// upload retry budget was exhausted after the originating write had
	// already been acknowledged.
	ErrUploadFailed = errors.New("upload failed permanently")

	// ErrCapacityExhausted is returned when the cache is full, nothing is
	// evictable, and the caller's context expired while waiting.
	ErrCapacityExhausted = errors.New("cache capacity exhausted")

	// ErrReadOnly is returned for mutations after the mount has been
	// degraded to read-only by a catalog constraint violation.
	ErrReadOnly = errors.New("filesystem is read-only")
)
