// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package repository implements the default headers.Repository, a
// persisted header chain backed by bbolt.
package repository

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	bolt "go.etcd.io/bbolt"

	"github.com/lvnilesh/spruned/headers"
)

var (
	headersBucket = []byte("headers")
	metaBucket    = []byte("meta")
	tipHeightKey  = []byte("tip_height")
)

// HeaderRepository is the default bbolt-backed headers.Repository. Each
// header is stored under its big-endian height key in headersBucket; the
// current tip height is tracked separately in metaBucket so Tip() is a
// single lookup rather than a bucket scan.
type HeaderRepository struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path and prepares
// its buckets.
func Open(path string) (*HeaderRepository, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(headersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: init buckets: %w", err)
	}

	return &HeaderRepository{db: db}, nil
}

// Close releases the underlying bbolt database file.
func (r *HeaderRepository) Close() error {
	return r.db.Close()
}

func heightKey(height int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(height))
	return buf
}

// storedHeader is the on-disk encoding of headers.Header: a fixed-width
// little record, avoiding a generic encoding dependency for a value this
// simple and stable.
type storedHeader struct {
	Version    int32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  int64
	Bits       uint32
	Nonce      uint32
}

const storedHeaderSize = 4 + chainhash.HashSize + chainhash.HashSize + 8 + 4 + 4

func encodeHeader(h headers.Header) []byte {
	buf := make([]byte, storedHeaderSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.Version))
	off += 4
	copy(buf[off:], h.PrevHash[:])
	off += chainhash.HashSize
	copy(buf[off:], h.MerkleRoot[:])
	off += chainhash.HashSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.Timestamp))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.Bits)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Nonce)
	return buf
}

func decodeHeader(height int32, buf []byte) (headers.Header, error) {
	if len(buf) != storedHeaderSize {
		return headers.Header{}, fmt.Errorf("repository: stored header has wrong size %d", len(buf))
	}
	h := headers.Header{Height: height}
	off := 0
	h.Version = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	copy(h.PrevHash[:], buf[off:off+chainhash.HashSize])
	off += chainhash.HashSize
	copy(h.MerkleRoot[:], buf[off:off+chainhash.HashSize])
	off += chainhash.HashSize
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.Bits = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Nonce = binary.LittleEndian.Uint32(buf[off:])
	return h, nil
}

// SaveHeader persists h and advances the tracked tip height if h.Height
// is now the highest stored.
func (r *HeaderRepository) SaveHeader(h headers.Header) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(headersBucket).Put(heightKey(h.Height), encodeHeader(h)); err != nil {
			return err
		}

		meta := tx.Bucket(metaBucket)
		cur := meta.Get(tipHeightKey)
		if cur == nil || h.Height > int32(binary.BigEndian.Uint32(cur)) {
			return meta.Put(tipHeightKey, heightKey(h.Height))
		}
		return nil
	})
}

// DeleteAbove removes every stored header with height > height, used
// during reorg handling, and rewinds the tracked tip height to match.
func (r *HeaderRepository) DeleteAbove(height int32) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(headersBucket)
		// Collect the keys first: deleting while the cursor walks the
		// bucket can make it skip the key after each deleted one.
		var doomed [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(heightKey(height + 1)); k != nil; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucket).Put(tipHeightKey, heightKey(height))
	})
}

// Tip returns the highest persisted header, or ok=false if the
// repository is empty.
func (r *HeaderRepository) Tip() (headers.Header, bool, error) {
	var result headers.Header
	var found bool

	err := r.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		tipBuf := meta.Get(tipHeightKey)
		if tipBuf == nil {
			return nil
		}
		tipHeight := int32(binary.BigEndian.Uint32(tipBuf))

		raw := tx.Bucket(headersBucket).Get(heightKey(tipHeight))
		if raw == nil {
			return fmt.Errorf("repository: tip height %d recorded but header missing", tipHeight)
		}
		h, err := decodeHeader(tipHeight, raw)
		if err != nil {
			return err
		}
		result = h
		found = true
		return nil
	})
	return result, found, err
}
