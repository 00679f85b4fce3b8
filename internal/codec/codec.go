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

// Package codec transforms block plaintext into the frame stored remotely:
// zstd compression followed by XChaCha20-Poly1305 encryption under a
// per-block key derived from the mount master key and the block ID.
//
// The codec is stateless apart from the key material and the shared zstd
// coders; Encode and Decode are safe for concurrent use.
package codec

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"blobfs/internal/block"
	"blobfs/internal/common"
)

// Frame layout: [1-byte flag][24-byte nonce][AEAD ciphertext].
// The flag is authenticated as additional data, so a flipped flag fails the
// AEAD open rather than decoding garbage.
const (
	flagZstd byte = 0 // payload is zstd-compressed plaintext
	flagRaw  byte = 1 // payload is raw plaintext (compression did not shrink)

	headerSize = 1 + chacha20poly1305.NonceSizeX
)

var keyInfo = []byte("blobfs block key v1")

// Codec encodes and decodes block frames.
type Codec struct {
	master [32]byte
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// New creates a Codec bound to the given master key.
func New(master [32]byte) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{master: master, enc: enc, dec: dec}, nil
}

// blockKey derives the per-block encryption key. The block ID is the HKDF
// salt, so every block is sealed under a distinct key even when the random
// nonce would repeat.
func (c *Codec) blockKey(id block.ID) ([]byte, error) {
	h := func() hash.Hash { return blake3.New() }
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(h, c.master[:], id[:], keyInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive block key: %w", err)
	}
	return key, nil
}

// Encode compresses and encrypts plaintext for storage under id.
// If compression does not shrink the payload the plaintext is stored raw
// with a marker flag; compression failure is never fatal.
func (c *Codec) Encode(id block.ID, plaintext []byte) ([]byte, error) {
	flag := flagZstd
	payload := c.enc.EncodeAll(plaintext, nil)
	if len(payload) >= len(plaintext) {
		flag = flagRaw
		payload = plaintext
	}

	key, err := c.blockKey(id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	frame := make([]byte, headerSize, headerSize+len(payload)+aead.Overhead())
	frame[0] = flag
	nonce := frame[1:headerSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(frame, nonce, payload, frame[:1]), nil
}

// Decode decrypts and decompresses a frame and verifies the plaintext
// hashes back to id. Any failure along the way is reported as
// common.ErrCorruptBlock; the caller decides whether to surface or
// re-fetch, never to repair.
func (c *Codec) Decode(id block.ID, frame []byte) ([]byte, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: frame shorter than header (%d bytes)", common.ErrCorruptBlock, len(frame))
	}
	flag := frame[0]
	nonce := frame[1:headerSize]

	key, err := c.blockKey(id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	payload, err := aead.Open(nil, nonce, frame[headerSize:], frame[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed for %s", common.ErrCorruptBlock, id)
	}

	var plaintext []byte
	switch flag {
	case flagRaw:
		plaintext = payload
	case flagZstd:
		plaintext, err = c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompression failed for %s: %v", common.ErrCorruptBlock, id, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown frame flag %#x for %s", common.ErrCorruptBlock, flag, id)
	}

	if block.Sum(plaintext) != id {
		return nil, fmt.Errorf("%w: content hash mismatch for %s", common.ErrCorruptBlock, id)
	}
	return plaintext, nil
}
