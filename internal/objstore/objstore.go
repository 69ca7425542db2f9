// Package objstore is the content-addressed object store: a hot LSM tier
// for new writes and a warm packfile tier for compacted objects, per
// spec.md §4.2. Reads query hot first, then warm.
package objstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore/hotstore"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore/packfile"
)

var log = logging.For("objstore")

const objectKeyPrefix = "obj:"

func objectKey(id objects.ObjectId) []byte {
	return []byte(objectKeyPrefix + id.String())
}

// pack pairs an open packfile.Reader with its in-memory index.
type pack struct {
	name   string
	reader *packfile.Reader
	index  map[objects.ObjectId]packfile.Location
}

// Store is the repository's object store: put/get/contains/delete over
// ObjectId, with durable fsync-on-persist semantics.
type Store struct {
	root string
	hot  *hotstore.Store
	fs   *blockingPool

	mu    sync.RWMutex
	packs []*pack
}

// Open opens (creating the directory layout if absent) the object store
// rooted at dir: dir/hot for the LSM tier, dir/packs for pack files.
func Open(dir string) (*Store, error) {
	hotDir := filepath.Join(dir, "hot")
	packDir := filepath.Join(dir, "packs")
	if err := os.MkdirAll(packDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "objstore: mkdir %s", packDir)
	}

	hot, err := hotstore.Open(hotDir)
	if err != nil {
		return nil, err
	}

	s := &Store{root: dir, hot: hot, fs: newBlockingPool(defaultPoolSize())}
	if err := s.loadPacks(packDir); err != nil {
		hot.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadPacks(packDir string) error {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		return errors.Wrapf(err, "objstore: list %s", packDir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".pack" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		packPath := filepath.Join(packDir, name)

		if idx, ierr := packfile.ReadIndex(packfile.IndexPath(packPath)); ierr == nil {
			r, oerr := packfile.OpenWithIndex(packPath, idx)
			if oerr != nil {
				return errors.Wrapf(oerr, "objstore: open pack %s", name)
			}
			s.packs = append(s.packs, &pack{name: name, reader: r, index: idx})
			log.Trace("loaded pack %s with %d objects from index snapshot", name, len(idx))
			continue
		}

		r, idx, err := packfile.Open(packPath)
		if err != nil {
			return errors.Wrapf(err, "objstore: open pack %s", name)
		}
		s.packs = append(s.packs, &pack{name: name, reader: r, index: idx})
		log.Trace("loaded pack %s with %d objects by scan", name, len(idx))
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.packs {
		p.reader.Close()
	}
	s.fs.close()
	return s.hot.Close()
}

// Put stores an already-encoded object and returns its id. Put is
// idempotent: repeated puts of identical bytes write at most once.
func (s *Store) Put(encoded []byte) (objects.ObjectId, error) {
	id := objects.IdOf(encoded)

	exists, err := s.Contains(id)
	if err != nil {
		return id, err
	}
	if exists {
		return id, nil
	}

	if err := s.hot.Put(objectKey(id), encoded); err != nil {
		return id, errors.Wrapf(err, "objstore: put %s", id)
	}
	return id, nil
}

// Get returns the canonical encoding of the object with id, verifying its
// hash on the way out. A hash mismatch is objects.ErrCorrupted, never a
// silent NotFound.
func (s *Store) Get(id objects.ObjectId) ([]byte, error) {
	if v, ok, err := s.hot.Get(objectKey(id)); err != nil {
		return nil, err
	} else if ok {
		return verify(id, v)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.packs {
		if loc, ok := p.index[id]; ok {
			data, err := p.reader.ReadAt(loc)
			if err != nil {
				return nil, errors.Wrapf(err, "objstore: read %s from %s", id, p.name)
			}
			return verify(id, data)
		}
	}
	return nil, nil
}

func verify(id objects.ObjectId, data []byte) ([]byte, error) {
	if objects.IdOf(data) != id {
		return nil, errors.Wrapf(objects.ErrCorrupted, "objstore: %s", id)
	}
	return data, nil
}

func (s *Store) Contains(id objects.ObjectId) (bool, error) {
	if ok, err := s.hot.Contains(objectKey(id)); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.packs {
		if _, ok := p.index[id]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes id from the hot tier. Objects already promoted to a
// pack are immutable by design (spec.md §4.2) — deletion from a pack is
// an offline compaction concern, out of scope here.
func (s *Store) Delete(id objects.ObjectId) (bool, error) {
	existed, err := s.hot.Contains(objectKey(id))
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := s.hot.Delete(objectKey(id)); err != nil {
		return false, err
	}
	return true, nil
}

// Persist forces durability of outstanding hot-tier writes. Called at
// commit finalization, before the revision map is updated, per spec.md
// §4.2 and §4.4 step 6.
func (s *Store) Persist() error {
	return s.fs.run(s.hot.Persist)
}

// Compact promotes every object currently in the hot tier into a single
// new pack file, then removes them from the hot tier. This is the
// background compaction concern spec.md §4.2 calls out as out of band
// from normal commit traffic; it is exposed here as an explicit call
// rather than run automatically, so that its I/O cost is never incurred
// inside a commit. Neither `svnadmin` nor `svnserved` invokes it.
func (s *Store) Compact() (promoted int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	packDir := filepath.Join(s.root, "packs")
	name := fmt.Sprintf("pack-%08d.pack", len(s.packs))
	w, err := packfile.Create(filepath.Join(packDir, name))
	if err != nil {
		return 0, err
	}

	var toDelete [][]byte
	scanErr := s.hot.Iterate([]byte(objectKeyPrefix), func(key, value []byte) bool {
		idStr := string(key[len(objectKeyPrefix):])
		id, perr := objects.ParseObjectId(idStr)
		if perr != nil {
			return true
		}
		dec, derr := objects.Decode(value)
		if derr != nil {
			return true
		}
		kind := objects.KindBlob
		if dec.Tree != nil {
			kind = objects.KindTree
		}
		if _, werr := w.AddObject(kind, id, value); werr != nil {
			err = werr
			return false
		}
		toDelete = append(toDelete, append([]byte(nil), key...))
		return true
	})
	if scanErr != nil {
		w.Close()
		return 0, scanErr
	}
	if err != nil {
		w.Close()
		return 0, err
	}

	if closeErr := s.fs.run(w.Close); closeErr != nil {
		return 0, closeErr
	}

	packPath := filepath.Join(packDir, name)
	reader, idx, openErr := packfile.Open(packPath)
	if openErr != nil {
		return 0, openErr
	}
	s.packs = append(s.packs, &pack{name: name, reader: reader, index: idx})

	if werr := s.fs.run(func() error { return packfile.WriteIndex(packfile.IndexPath(packPath), idx) }); werr != nil {
		log.Warn("compact: failed to persist index snapshot for %s: %v", name, werr)
	}

	for _, key := range toDelete {
		if derr := s.hot.Delete(key); derr != nil {
			return len(toDelete), derr
		}
	}
	return len(toDelete), nil
}
