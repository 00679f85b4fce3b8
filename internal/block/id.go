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

// Package block defines the content address of a stored block.
//
// A block is identified by the BLAKE3 digest of its plaintext. The same
// digest serves as the deduplication key in the catalog, the object key in
// remote storage, and the verification checksum on the read path.
package block

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// IDSize is the digest length in bytes.
const IDSize = 32

// ID is the content address of a block: the BLAKE3 digest of its plaintext.
type ID [IDSize]byte

// Sum computes the ID for the given plaintext.
func Sum(plaintext []byte) ID {
	return blake3.Sum256(plaintext)
}

// String returns the lowercase hex form, as used for catalog rows and
// object-store keys.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero value, which never addresses a
// real block.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(IDSize) {
		return id, fmt.Errorf("invalid block id %q: want %d hex chars", s, hex.EncodedLen(IDSize))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid block id %q: %w", s, err)
	}
	return id, nil
}
