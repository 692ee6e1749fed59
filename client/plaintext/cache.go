// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package plaintext is the durable, on-device cache of decrypted messages.
// A ratchet decrypt can only happen once, so this cache is the only way to
// show a message again after its first decrypt.
package plaintext

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	versionKey    = []byte("\x00schema_version")
	messagePrefix = []byte("m/")
)

// Entry is what a message decrypts to.
type Entry struct {
	Content  string            `json:"content"`
	FileKeys map[string][]byte `json:"file_keys,omitempty"`
}

// Encode is the plaintext a sender encrypts.
func Encode(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a decrypted payload. Payloads that are not an encoded
// Entry are taken as bare text.
func Decode(b []byte) Entry {
	var e Entry
	if len(b) > 0 && b[0] == '{' && json.Unmarshal(b, &e) == nil {
		return e
	}
	return Entry{Content: string(b)}
}

// Cache maps message ids to entries. Writes are synced and the first write
// for an id wins.
type Cache struct {
	db      *leveldb.DB
	version int

	mu sync.Mutex
}

// Open opens the cache at path. When the stored schema version differs
// from version every key is wiped before the new version is recorded.
func Open(path string, version int) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open plaintext cache: %w", err)
	}
	return wrap(db, version)
}

// OpenMemory opens a cache that lives only in memory.
func OpenMemory(version int) (*Cache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open plaintext cache: %w", err)
	}
	return wrap(db, version)
}

func wrap(db *leveldb.DB, version int) (*Cache, error) {
	c := &Cache{db: db, version: version}
	if err := c.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) checkVersion() error {
	want := []byte(strconv.Itoa(c.version))
	got, err := c.db.Get(versionKey, nil)
	switch {
	case err == nil && bytes.Equal(got, want):
		return nil
	case err != nil && !errors.Is(err, leveldb.ErrNotFound):
		return fmt.Errorf("read schema version: %w", err)
	}

	batch := new(leveldb.Batch)
	iter := c.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan plaintext cache: %w", err)
	}
	batch.Put(versionKey, want)
	if err := c.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("reset plaintext cache: %w", err)
	}
	return nil
}

func (c *Cache) Version() int {
	return c.version
}

func messageKey(messageID string) []byte {
	return append(append([]byte(nil), messagePrefix...), messageID...)
}

// Get returns the cached entry for messageID.
func (c *Cache) Get(messageID string) (Entry, bool, error) {
	raw, err := c.db.Get(messageKey(messageID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", messageID, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", messageID, err)
	}
	return e, true, nil
}

// Put stores e under messageID unless an entry already exists.
func (c *Cache) Put(messageID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", messageID, err)
	}
	key := messageKey(messageID)

	c.mu.Lock()
	defer c.mu.Unlock()
	ok, err := c.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("put %s: %w", messageID, err)
	}
	if ok {
		return nil
	}
	if err := c.db.Put(key, raw, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("put %s: %w", messageID, err)
	}
	return nil
}

// Len counts cached messages.
func (c *Cache) Len() (int, error) {
	iter := c.db.NewIterator(util.BytesPrefix(messagePrefix), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (c *Cache) Close() error {
	return c.db.Close()
}
