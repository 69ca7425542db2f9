// Package hotstore is the LSM-backed hot tier of the object store: new
// objects are written here first. It wraps goleveldb the way the
// teacher's cache package does for its local metadata cache, promoted
// here to the primary write path.
package hotstore

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hazelnut-vcs/svnbridge/internal/logging"
)

var log = logging.For("hotstore")

// Store is a thread-safe key/value store over arbitrary byte keys. Reads
// never block other reads; leveldb serializes writes internally.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a leveldb database at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "hotstore: open %s", dir)
	}
	log.Trace("opened %s", dir)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put is idempotent at the caller's discretion: writing the same key with
// the same value twice is harmless, but hotstore itself does not dedup by
// content — the object store layer above does that by keying on ObjectId.
func (s *Store) Put(key, value []byte) error {
	if err := s.db.Put(key, value, nil); err != nil {
		return errors.Wrapf(err, "hotstore: put %x", key)
	}
	return nil
}

func (s *Store) Get(key []byte) ([]byte, bool, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "hotstore: get %x", key)
	}
	return v, true, nil
}

func (s *Store) Contains(key []byte) (bool, error) {
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, errors.Wrapf(err, "hotstore: has %x", key)
	}
	return ok, nil
}

func (s *Store) Delete(key []byte) error {
	if err := s.db.Delete(key, nil); err != nil {
		return errors.Wrapf(err, "hotstore: delete %x", key)
	}
	return nil
}

// Iterate calls fn for every key with the given prefix, in key order.
// Iteration stops early if fn returns false.
func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	for ok := it.Seek(prefix); ok; ok = it.Next() {
		k := it.Key()
		if len(prefix) > 0 && (len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix)) {
			break
		}
		if !fn(append([]byte(nil), k...), append([]byte(nil), it.Value()...)) {
			break
		}
	}
	return it.Error()
}

// Persist forces outstanding writes durable. goleveldb syncs its WAL on
// every write by default is too slow for batched commits, so callers that
// need a hard fsync boundary (the commit path, per spec.md §4.2) call
// this once after staging all of a commit's objects.
func (s *Store) Persist() error {
	// goleveldb has no explicit fsync-now call distinct from its write
	// options; CompactRange with a nil range forces a flush of pending
	// memtable writes to disk, which is the closest equivalent and is
	// cheap when there is nothing to compact.
	if err := s.db.CompactRange(util.Range{}); err != nil {
		return errors.Wrap(err, "hotstore: persist")
	}
	return nil
}
