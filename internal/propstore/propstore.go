// Package propstore implements the two property namespaces of spec.md
// §4.6: revision properties and path properties, keyed the way the
// teacher's cache package prefixes its leveldb keys
// ("Metadata:%s:%s", "Blob:%s:%016x").
package propstore

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hazelnut-vcs/svnbridge/internal/objstore/hotstore"
)

// Standard SVN property names recognized by spec.md §4.6.
const (
	PropLog          = "svn:log"
	PropAuthor       = "svn:author"
	PropDate         = "svn:date"
	PropExecutable   = "svn:executable"
	PropMimeType     = "svn:mime-type"
	PropIgnore       = "svn:ignore"
	PropEolStyle     = "svn:eol-style"
	PropKeywords     = "svn:keywords"
	PropNeedsLock    = "svn:needs-lock"
	PropSyncFromURL  = "svn:sync-from-url"
	PropSyncFromUUID = "svn:sync-from-uuid"
	PropSyncLastRev  = "svn:sync-last-merged-rev"
	PropSyncLock     = "svn:sync-lock"
	PropSyncCopying  = "svn:sync-currently-copying"
)

// Scope distinguishes revision-scoped from path-scoped properties.
type Scope int

const (
	ScopeRevision Scope = iota
	ScopePath
)

// Store persists property maps in the hot key/value store under a
// reserved key prefix per scope/subject.
type Store struct {
	kv *hotstore.Store
}

func New(kv *hotstore.Store) *Store {
	return &Store{kv: kv}
}

func key(scope Scope, subject string) []byte {
	prefix := "revprop:"
	if scope == ScopePath {
		prefix = "pathprop:"
	}
	return []byte(fmt.Sprintf("%s%s", prefix, subject))
}

func subjectKey(scope Scope, rev uint64, path string) string {
	if scope == ScopeRevision {
		return fmt.Sprintf("%d", rev)
	}
	return fmt.Sprintf("%d:%s", rev, path)
}

func (s *Store) loadMap(scope Scope, subject string) (map[string]string, error) {
	raw, ok, err := s.kv.Get(key(scope, subject))
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]string{}, nil
	}
	m := map[string]string{}
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "propstore: decode property map")
	}
	return m, nil
}

func (s *Store) saveMap(scope Scope, subject string, m map[string]string) error {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "propstore: encode property map")
	}
	return s.kv.Put(key(scope, subject), raw)
}

// Get returns the value of name on the given revision/path subject.
func (s *Store) Get(scope Scope, rev uint64, path, name string) (string, bool, error) {
	m, err := s.loadMap(scope, subjectKey(scope, rev, path))
	if err != nil {
		return "", false, err
	}
	v, ok := m[name]
	return v, ok, nil
}

// Set writes name=value on the given subject.
func (s *Store) Set(scope Scope, rev uint64, path, name, value string) error {
	subj := subjectKey(scope, rev, path)
	m, err := s.loadMap(scope, subj)
	if err != nil {
		return err
	}
	m[name] = value
	return s.saveMap(scope, subj, m)
}

// Remove deletes name from the given subject, if present.
func (s *Store) Remove(scope Scope, rev uint64, path, name string) error {
	subj := subjectKey(scope, rev, path)
	m, err := s.loadMap(scope, subj)
	if err != nil {
		return err
	}
	delete(m, name)
	return s.saveMap(scope, subj, m)
}

// List returns the property names set on the given subject.
func (s *Store) List(scope Scope, rev uint64, path string) ([]string, error) {
	m, err := s.loadMap(scope, subjectKey(scope, rev, path))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names, nil
}
