package txn

import (
	"sync"
	"testing"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore/hotstore"
	"github.com/hazelnut-vcs/svnbridge/internal/pathindex"
	"github.com/hazelnut-vcs/svnbridge/internal/propstore"
)

type fakeRevMap struct {
	mu      sync.Mutex
	head    uint64
	commits map[uint64]objects.ObjectId
}

func newFakeRevMap() *fakeRevMap {
	return &fakeRevMap{commits: map[uint64]objects.ObjectId{}}
}

func (f *fakeRevMap) Head() (uint64, objects.ObjectId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.commits[f.head]
}

func (f *fakeRevMap) CommitAt(rev uint64) (objects.ObjectId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.commits[rev]
	if !ok {
		return objects.ObjectId{}, apierr.New(apierr.NotFound, "no such revision %d", rev)
	}
	return id, nil
}

func (f *fakeRevMap) Append(rev uint64, id objects.ObjectId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[rev] = id
	f.head = rev
	return nil
}

type propAdapter struct {
	ps *propstore.Store
}

func (a *propAdapter) SetRevisionProp(rev uint64, name, value string) error {
	return a.ps.Set(propstore.ScopeRevision, rev, "", name, value)
}

func (a *propAdapter) SetPathProp(rev uint64, path, name, value string) error {
	return a.ps.Set(propstore.ScopePath, rev, path, name, value)
}

func (a *propAdapter) RemovePathProp(rev uint64, path, name string) error {
	return a.ps.Remove(propstore.ScopePath, rev, path, name)
}

// harness bundles a fresh store/resolver/revmap/manager seeded with an
// empty revision 0, mirroring how internal/repo will bootstrap a new
// repository.
type harness struct {
	store   *objstore.Store
	revs    *fakeRevMap
	props   *propAdapter
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := objstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("objstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	kv, err := hotstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("hotstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	enc, err := objects.Encode(objects.EmptyTree())
	if err != nil {
		t.Fatalf("Encode empty tree: %v", err)
	}
	emptyTreeId, err := store.Put(enc)
	if err != nil {
		t.Fatalf("Put empty tree: %v", err)
	}

	rootCommit := objects.NewCommit(emptyTreeId, nil, "system", "initial empty revision", 0, 0, 0)
	commitEnc, err := objects.Encode(rootCommit)
	if err != nil {
		t.Fatalf("Encode root commit: %v", err)
	}
	commitId, err := store.Put(commitEnc)
	if err != nil {
		t.Fatalf("Put root commit: %v", err)
	}

	revs := newFakeRevMap()
	revs.Append(0, commitId)

	props := &propAdapter{ps: propstore.New(kv)}
	resolver := pathindex.NewResolver(store)
	manager := NewManager(store, resolver, revs, props)

	return &harness{store: store, revs: revs, props: props, manager: manager}
}

func (h *harness) rootTree(t *testing.T, rev uint64) objects.ObjectId {
	t.Helper()
	commitId, err := h.revs.CommitAt(rev)
	if err != nil {
		t.Fatalf("CommitAt(%d): %v", rev, err)
	}
	enc, err := h.store.Get(commitId)
	if err != nil {
		t.Fatalf("Get commit: %v", err)
	}
	dec, err := objects.Decode(enc)
	if err != nil || dec.Commit == nil {
		t.Fatalf("decode commit: %v", err)
	}
	return dec.Commit.Tree
}

func TestCommitAddFileToRoot(t *testing.T) {
	h := newHarness(t)

	tx := h.manager.Open(0, "alice")
	if err := h.manager.Stage(tx.ID, Op{Kind: OpAdd, Path: "/README.md", Content: []byte("hello")}); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	rev, err := h.manager.Commit(tx.ID, "add readme", 1000, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev != 1 {
		t.Fatalf("expected revision 1, got %d", rev)
	}

	resolver := pathindex.NewResolver(h.store)
	entry, err := resolver.Resolve(h.rootTree(t, 1), "/README.md")
	if err != nil {
		t.Fatalf("Resolve README.md: %v", err)
	}
	if entry.Kind != objects.KindBlob {
		t.Fatalf("expected blob, got %v", entry.Kind)
	}
}

func TestCommitMkdirThenAddInSameTransaction(t *testing.T) {
	h := newHarness(t)

	tx := h.manager.Open(0, "bob")
	if err := h.manager.Stage(tx.ID, Op{Kind: OpMkdir, Path: "/src"}); err != nil {
		t.Fatalf("Stage mkdir: %v", err)
	}
	if err := h.manager.Stage(tx.ID, Op{Kind: OpAdd, Path: "/src/main.rs", Content: []byte("fn main(){}")}); err != nil {
		t.Fatalf("Stage add: %v", err)
	}

	rev, err := h.manager.Commit(tx.ID, "scaffold src", 1000, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	resolver := pathindex.NewResolver(h.store)
	entry, err := resolver.Resolve(h.rootTree(t, rev), "/src/main.rs")
	if err != nil || entry.Kind != objects.KindBlob {
		t.Fatalf("Resolve src/main.rs: %v %+v", err, entry)
	}
}

func TestCommitDeletingMissingPathConflicts(t *testing.T) {
	h := newHarness(t)

	tx := h.manager.Open(0, "carol")
	if err := h.manager.Stage(tx.ID, Op{Kind: OpDelete, Path: "/does-not-exist"}); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	_, err := h.manager.Commit(tx.ID, "bogus delete", 1000, 0)
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if _, committed := tx.CommittedRevision(); committed {
		t.Fatalf("transaction should not have committed")
	}
}

func TestCommitWithNoStagedOpsReusesParentTree(t *testing.T) {
	h := newHarness(t)

	tx := h.manager.Open(0, "dave")
	rev, err := h.manager.Commit(tx.ID, "empty commit", 1000, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if h.rootTree(t, rev) != h.rootTree(t, 0) {
		t.Fatalf("expected unchanged tree id to be reused")
	}
}

func TestCopyPreservesSourceContent(t *testing.T) {
	h := newHarness(t)

	tx := h.manager.Open(0, "erin")
	h.manager.Stage(tx.ID, Op{Kind: OpAdd, Path: "/trunk/file.txt", Content: []byte("v1")})
	rev1, err := h.manager.Commit(tx.ID, "seed trunk", 1000, 0)
	if err != nil {
		t.Fatalf("Commit rev1: %v", err)
	}

	tx2 := h.manager.Open(rev1, "erin")
	h.manager.Stage(tx2.ID, Op{Kind: OpCopy, Path: "/tags/v1", FromPath: "/trunk", FromRev: rev1})
	rev2, err := h.manager.Commit(tx2.ID, "tag v1", 2000, 0)
	if err != nil {
		t.Fatalf("Commit rev2: %v", err)
	}

	resolver := pathindex.NewResolver(h.store)
	entry, err := resolver.Resolve(h.rootTree(t, rev2), "/tags/v1/file.txt")
	if err != nil {
		t.Fatalf("Resolve copied file: %v", err)
	}
	blobEnc, err := h.store.Get(entry.Id)
	if err != nil {
		t.Fatalf("Get copied blob: %v", err)
	}
	dec, err := objects.Decode(blobEnc)
	if err != nil || dec.Blob == nil || string(dec.Blob.Data) != "v1" {
		t.Fatalf("copied content mismatch: %v %+v", err, dec.Blob)
	}
}

func TestExecutableBitSetsPathProperty(t *testing.T) {
	h := newHarness(t)

	tx := h.manager.Open(0, "frank")
	h.manager.Stage(tx.ID, Op{Kind: OpAdd, Path: "/run.sh", Content: []byte("#!/bin/sh"), Executable: true})
	rev, err := h.manager.Commit(tx.ID, "add script", 1000, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, ok, err := h.props.ps.Get(propstore.ScopePath, rev, "/run.sh", propstore.PropExecutable)
	if err != nil || !ok || v != "*" {
		t.Fatalf("expected svn:executable set, v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestAddOnExistingPathConflicts(t *testing.T) {
	h := newHarness(t)

	tx := h.manager.Open(0, "gina")
	h.manager.Stage(tx.ID, Op{Kind: OpAdd, Path: "/a.txt", Content: []byte("one")})
	rev1, err := h.manager.Commit(tx.ID, "first", 1000, 0)
	if err != nil {
		t.Fatalf("Commit rev1: %v", err)
	}

	tx2 := h.manager.Open(rev1, "gina")
	h.manager.Stage(tx2.ID, Op{Kind: OpAdd, Path: "/a.txt", Content: []byte("two")})
	_, err = h.manager.Commit(tx2.ID, "duplicate add", 2000, 0)
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestSweepExpiredAbortsStaleTransactions(t *testing.T) {
	h := newHarness(t)
	h.manager.TTL = 0

	tx := h.manager.Open(0, "hank")
	n := h.manager.SweepExpired()
	if n != 1 {
		t.Fatalf("expected 1 swept transaction, got %d", n)
	}
	if _, ok := h.manager.Get(tx.ID); ok {
		t.Fatalf("expected transaction to be removed after sweep")
	}
}
