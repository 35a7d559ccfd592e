// Package storage persists client records in a goleveldb database. Values are
// CBOR-encoded; the database carries a schema version and records written under
// another version are discarded on open.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_storage "github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

var versionKey = []byte("schema_version")

// Store is a versioned key/value store.
type Store struct {
	db  *leveldb.DB
	log zerolog.Logger
}

// Open opens (or creates) the database at path. A record set written under a
// different schema version is wiped before use.
func Open(path string, version uint32, logger zerolog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{ErrorIfExist: false})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return newStore(db, version, logger)
}

// OpenMemory returns a store backed by memory only.
func OpenMemory(version uint32, logger zerolog.Logger) (*Store, error) {
	db, err := leveldb.Open(ldb_storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return newStore(db, version, logger)
}

func newStore(db *leveldb.DB, version uint32, logger zerolog.Logger) (*Store, error) {
	s := &Store{db: db, log: logger.With().Str("component", "storage").Logger()}
	if err := s.checkVersion(version); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkVersion(version uint32) error {
	current, err := s.db.Get(versionKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return s.putVersion(version)
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if len(current) != 4 {
		return fmt.Errorf("incompatible schema version length: expected: %d actual: %d", 4, len(current))
	}
	stored := binary.BigEndian.Uint32(current)
	if stored == version {
		return nil
	}
	s.log.Warn().Uint32("stored", stored).Uint32("current", version).Msg("schema version changed, discarding stored records")
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to discard records: %w", err)
	}
	return s.putVersion(version)
}

func (s *Store) putVersion(version uint32) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, version)
	return s.db.Put(versionKey, v, nil)
}

// SchemaVersion returns the stored schema version.
func (s *Store) SchemaVersion() (uint32, error) {
	v, err := s.db.Get(versionKey, nil)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get decodes the record at key into v. It reports false if there is none.
func (s *Store) Get(key []byte, v any) (bool, error) {
	raw, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key holds a record.
func (s *Store) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

// Count returns the number of records whose key starts with prefix.
func (s *Store) Count(prefix []byte) (int, error) {
	iter := s.db.NewIterator(ldb_util.BytesPrefix(prefix), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Batch collects writes applied atomically by Write.
type Batch struct {
	b   leveldb.Batch
	err error
}

// NewBatch returns an empty batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{}
}

// Put encodes v and stages it under key.
func (b *Batch) Put(key []byte, v any) {
	if b.err != nil {
		return
	}
	raw, err := cbor.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to encode %q: %w", key, err)
		return
	}
	b.b.Put(key, raw)
}

// Delete stages the removal of key.
func (b *Batch) Delete(key []byte) {
	b.b.Delete(key)
}

// Write applies every staged write, or none.
func (s *Store) Write(b *Batch) error {
	if b.err != nil {
		return b.err
	}
	return s.db.Write(&b.b, &ldb_opt.WriteOptions{Sync: true})
}

// Put encodes and stores a single record.
func (s *Store) Put(key []byte, v any) error {
	b := s.NewBatch()
	b.Put(key, v)
	return s.Write(b)
}
