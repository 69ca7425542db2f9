// Package repo is the repository façade of spec.md §9: a single entry
// point wiring the object store, path index, transaction manager and
// property store together, threaded explicitly through its callers
// instead of hanging off a package-level global.
package repo

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore/hotstore"
	"github.com/hazelnut-vcs/svnbridge/internal/pathindex"
	"github.com/hazelnut-vcs/svnbridge/internal/propstore"
	"github.com/hazelnut-vcs/svnbridge/internal/txn"
)

var log = logging.For("repo")

const revisionKeyPrefix = "rev:"
const uuidKey = "repo-uuid"

func revisionKey(rev uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", revisionKeyPrefix, rev))
}

// revisionMap is the authoritative revision -> commit id index of
// spec.md §4.4/§9, durable in the metadata store and cached in memory
// since a repository's revision count is small enough to hold entirely
// resident for the lifetime of the process.
type revisionMap struct {
	mu      sync.RWMutex
	kv      *hotstore.Store
	head    uint64
	known   bool
	commits map[uint64]objects.ObjectId
}

func loadRevisionMap(kv *hotstore.Store) (*revisionMap, error) {
	rm := &revisionMap{kv: kv, commits: map[uint64]objects.ObjectId{}}
	err := kv.Iterate([]byte(revisionKeyPrefix), func(key, value []byte) bool {
		numStr := string(key[len(revisionKeyPrefix):])
		n, perr := strconv.ParseUint(numStr, 10, 64)
		if perr != nil {
			return true
		}
		id, perr := objects.ParseObjectId(string(value))
		if perr != nil {
			return true
		}
		rm.commits[n] = id
		if !rm.known || n > rm.head {
			rm.head = n
			rm.known = true
		}
		return true
	})
	return rm, err
}

func (rm *revisionMap) Head() (uint64, objects.ObjectId) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.head, rm.commits[rm.head]
}

func (rm *revisionMap) CommitAt(rev uint64) (objects.ObjectId, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	id, ok := rm.commits[rev]
	if !ok {
		return objects.ObjectId{}, apierr.New(apierr.NotFound, "no such revision %d", rev)
	}
	return id, nil
}

func (rm *revisionMap) Append(rev uint64, id objects.ObjectId) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := rm.kv.Put(revisionKey(rev), []byte(id.String())); err != nil {
		return errors.Wrapf(err, "repo: publish revision %d", rev)
	}
	rm.commits[rev] = id
	if !rm.known || rev > rm.head {
		rm.head = rev
		rm.known = true
	}
	return nil
}

func (rm *revisionMap) isEmpty() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.commits) == 0
}

// propAdapter satisfies txn.PropertyWriter over a propstore.Store.
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

// LogEntry is one revision's history metadata, returned by Log.
type LogEntry struct {
	Revision  uint64
	Author    string
	Message   string
	Timestamp int64
}

// Repository is the façade every protocol-facing package is handed: it
// owns no process-global state and can be constructed more than once
// per process (e.g. serving several repositories from one svnserved).
type Repository struct {
	root string

	store *objstore.Store
	kv    *hotstore.Store
	props *propstore.Store

	resolver  *pathindex.Resolver
	headCache *pathindex.HeadCache

	revs *revisionMap
	txns *txn.Manager

	uuid string

	mu sync.RWMutex
}

// Open opens (initializing on first use) the repository rooted at dir.
func Open(dir string) (*Repository, error) {
	store, err := objstore.Open(filepath.Join(dir, "objects"))
	if err != nil {
		return nil, err
	}
	kv, err := hotstore.Open(filepath.Join(dir, "meta"))
	if err != nil {
		store.Close()
		return nil, err
	}

	id, err := loadOrCreateUUID(kv)
	if err != nil {
		return nil, err
	}

	revs, err := loadRevisionMap(kv)
	if err != nil {
		return nil, err
	}

	props := propstore.New(kv)
	resolver := pathindex.NewResolver(store)

	if revs.isEmpty() {
		if err := bootstrapEmptyRevision(store, revs); err != nil {
			return nil, err
		}
		log.Info("initialized new repository at %s, uuid=%s", dir, id)
	}

	headCache := pathindex.NewHeadCache()
	r := &Repository{
		root:      dir,
		store:     store,
		kv:        kv,
		props:     props,
		resolver:  resolver,
		headCache: headCache,
		revs:      revs,
		uuid:      id,
	}
	r.txns = txn.NewManager(store, resolver, revs, &propAdapter{ps: props})
	r.txns.OnCommit = r.recordOpLog

	head, _ := revs.Head()
	rootId, err := r.RootTree(head)
	if err != nil {
		return nil, err
	}
	if err := headCache.Rebuild(resolver, rootId); err != nil {
		return nil, err
	}

	return r, nil
}

func loadOrCreateUUID(kv *hotstore.Store) (string, error) {
	existing, ok, err := kv.Get([]byte(uuidKey))
	if err != nil {
		return "", err
	}
	if ok {
		return string(existing), nil
	}
	id := uuid.NewString()
	if err := kv.Put([]byte(uuidKey), []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func bootstrapEmptyRevision(store *objstore.Store, revs *revisionMap) error {
	treeEnc, err := objects.Encode(objects.EmptyTree())
	if err != nil {
		return err
	}
	treeId, err := store.Put(treeEnc)
	if err != nil {
		return err
	}
	commit := objects.NewCommit(treeId, nil, "", "", 0, 0, 0)
	commitEnc, err := objects.Encode(commit)
	if err != nil {
		return err
	}
	commitId, err := store.Put(commitEnc)
	if err != nil {
		return err
	}
	if err := store.Persist(); err != nil {
		return err
	}
	return revs.Append(0, commitId)
}

func (r *Repository) Close() error {
	if err := r.store.Close(); err != nil {
		return err
	}
	return r.kv.Close()
}

func (r *Repository) UUID() string {
	return r.uuid
}

func (r *Repository) CurrentRevision() uint64 {
	head, _ := r.revs.Head()
	return head
}

// RootTree returns the tree id for the given revision's commit.
func (r *Repository) RootTree(rev uint64) (objects.ObjectId, error) {
	commitId, err := r.revs.CommitAt(rev)
	if err != nil {
		return objects.ObjectId{}, err
	}
	enc, err := r.store.Get(commitId)
	if err != nil {
		return objects.ObjectId{}, err
	}
	if enc == nil {
		return objects.ObjectId{}, apierr.New(apierr.Corrupt, "commit for revision %d missing", rev)
	}
	dec, err := objects.Decode(enc)
	if err != nil || dec.Commit == nil {
		return objects.ObjectId{}, apierr.New(apierr.Corrupt, "revision %d does not resolve to a commit", rev)
	}
	return dec.Commit.Tree, nil
}

// GetFile returns a file's content and executable bit at rev.
func (r *Repository) GetFile(rev uint64, path string) ([]byte, bool, error) {
	entry, hit := r.headCacheLookup(rev, path)
	if !hit {
		root, err := r.RootTree(rev)
		if err != nil {
			return nil, false, err
		}
		entry, err = r.resolver.Resolve(root, path)
		if err != nil {
			return nil, false, apierr.WithPath(err, path)
		}
	}
	if entry.Kind != objects.KindBlob {
		return nil, false, apierr.New(apierr.BadRequest, "%s is a directory", path)
	}
	enc, err := r.store.Get(entry.Id)
	if err != nil {
		return nil, false, err
	}
	dec, err := objects.Decode(enc)
	if err != nil || dec.Blob == nil {
		return nil, false, apierr.New(apierr.Corrupt, "object for %s is not a blob", path)
	}
	return dec.Blob.Data, dec.Blob.Executable, nil
}

// headCacheLookup consults the flat HEAD cache when rev is the current
// HEAD, the one case where it is guaranteed fresh. Any other revision
// falls through to a full tree walk.
func (r *Repository) headCacheLookup(rev uint64, path string) (pathindex.Entry, bool) {
	if rev != r.CurrentRevision() {
		return pathindex.Entry{}, false
	}
	return r.headCache.Get(path)
}

// Exists reports whether path resolves at rev.
func (r *Repository) Exists(rev uint64, path string) bool {
	if _, hit := r.headCacheLookup(rev, path); hit {
		return true
	}
	root, err := r.RootTree(rev)
	if err != nil {
		return false
	}
	return r.resolver.Exists(root, path)
}

// ListDir lists the directory at path at rev, sorted by name.
func (r *Repository) ListDir(rev uint64, path string) ([]pathindex.Entry, error) {
	root, err := r.RootTree(rev)
	if err != nil {
		return nil, err
	}
	entries, err := r.resolver.ListDir(root, path)
	if err != nil {
		return nil, apierr.WithPath(err, path)
	}
	return entries, nil
}

// Log returns revision history for [startRev, endRev], inclusive,
// ordered by ascending revision number (spec.md §6's log report is free
// to reverse this for display; the façade returns natural order).
func (r *Repository) Log(startRev, endRev uint64) ([]LogEntry, error) {
	if endRev < startRev {
		startRev, endRev = endRev, startRev
	}
	head := r.CurrentRevision()
	if endRev > head {
		endRev = head
	}

	out := make([]LogEntry, 0, endRev-startRev+1)
	for rev := startRev; rev <= endRev; rev++ {
		author, _, _ := r.props.Get(propstore.ScopeRevision, rev, "", propstore.PropAuthor)
		message, _, _ := r.props.Get(propstore.ScopeRevision, rev, "", propstore.PropLog)
		dateStr, _, _ := r.props.Get(propstore.ScopeRevision, rev, "", propstore.PropDate)
		ts, _ := strconv.ParseInt(dateStr, 10, 64)
		out = append(out, LogEntry{Revision: rev, Author: author, Message: message, Timestamp: ts})
	}
	return out, nil
}

// OpenTransaction begins a new staged commit branched from the current
// HEAD revision.
func (r *Repository) OpenTransaction(author string) *txn.Transaction {
	return r.txns.Open(r.CurrentRevision(), author)
}

// OpenTransactionAt begins a new staged commit branched from a specific
// base revision (used by replay/sync paths that target an older base).
func (r *Repository) OpenTransactionAt(baseRev uint64, author string) *txn.Transaction {
	return r.txns.Open(baseRev, author)
}

func (r *Repository) Stage(transactionId string, op txn.Op) error {
	return r.txns.Stage(transactionId, op)
}

// TransactionByID exposes an open transaction's metadata (base revision,
// author) to protocol-layer callers that need to reason about it before
// staging, e.g. to tell a PUT's Add from its Modify.
func (r *Repository) TransactionByID(transactionId string) (*txn.Transaction, bool) {
	return r.txns.Get(transactionId)
}

func (r *Repository) AbortTransaction(transactionId string) error {
	return r.txns.Abort(transactionId)
}

// Commit finalizes a staged transaction and publishes the resulting
// revision, then refreshes the façade's flat HEAD cache.
func (r *Repository) Commit(transactionId, message string, timestamp int64, tzOffset int32) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rev, err := r.txns.Commit(transactionId, message, timestamp, tzOffset)
	if err != nil {
		return 0, err
	}

	root, err := r.RootTree(rev)
	if err != nil {
		return rev, err
	}
	if err := r.headCache.Rebuild(r.resolver, root); err != nil {
		return rev, err
	}
	return rev, nil
}

// AddFile is a single-operation convenience commit, grounded on the
// façade's thin wrapper methods: open a transaction, stage one Add,
// commit it.
func (r *Repository) AddFile(author, path string, content []byte, executable bool, message string, timestamp int64) (uint64, error) {
	return r.singleOpCommit(author, message, timestamp, txn.Op{Kind: txn.OpAdd, Path: path, Content: content, Executable: executable})
}

func (r *Repository) ModifyFile(author, path string, content []byte, executable bool, message string, timestamp int64) (uint64, error) {
	return r.singleOpCommit(author, message, timestamp, txn.Op{Kind: txn.OpModify, Path: path, Content: content, Executable: executable})
}

func (r *Repository) Mkdir(author, path, message string, timestamp int64) (uint64, error) {
	return r.singleOpCommit(author, message, timestamp, txn.Op{Kind: txn.OpMkdir, Path: path})
}

func (r *Repository) Delete(author, path, message string, timestamp int64) (uint64, error) {
	return r.singleOpCommit(author, message, timestamp, txn.Op{Kind: txn.OpDelete, Path: path})
}

func (r *Repository) Copy(author, fromPath string, fromRev uint64, toPath, message string, timestamp int64) (uint64, error) {
	return r.singleOpCommit(author, message, timestamp, txn.Op{Kind: txn.OpCopy, Path: toPath, FromPath: fromPath, FromRev: fromRev})
}

func (r *Repository) singleOpCommit(author, message string, timestamp int64, op txn.Op) (uint64, error) {
	tx := r.OpenTransaction(author)
	if err := r.Stage(tx.ID, op); err != nil {
		r.AbortTransaction(tx.ID)
		return 0, err
	}
	return r.Commit(tx.ID, message, timestamp, 0)
}

func (r *Repository) GetRevisionProp(rev uint64, name string) (string, bool, error) {
	return r.props.Get(propstore.ScopeRevision, rev, "", name)
}

func (r *Repository) SetRevisionProp(rev uint64, name, value string) error {
	return r.props.Set(propstore.ScopeRevision, rev, "", name, value)
}

func (r *Repository) ListRevisionProps(rev uint64) (map[string]string, error) {
	names, err := r.props.List(propstore.ScopeRevision, rev, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, _, err := r.props.Get(propstore.ScopeRevision, rev, "", name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (r *Repository) GetPathProp(rev uint64, path, name string) (string, bool, error) {
	return r.props.Get(propstore.ScopePath, rev, path, name)
}

func (r *Repository) SetPathProp(rev uint64, path, name, value string) error {
	return r.props.Set(propstore.ScopePath, rev, path, name, value)
}

func (r *Repository) RemovePathProp(rev uint64, path, name string) error {
	return r.props.Remove(propstore.ScopePath, rev, path, name)
}

func (r *Repository) ListPathProps(rev uint64, path string) (map[string]string, error) {
	names, err := r.props.List(propstore.ScopePath, rev, path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, _, err := r.props.Get(propstore.ScopePath, rev, path, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

const opLogKeyPrefix = "oplog:"

func opLogKey(rev uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", opLogKeyPrefix, rev))
}

// recordOpLog persists the exact staged ops that produced rev, so that
// internal/dumpfile can reconstruct bit-exact dump records instead of
// diffing trees after the fact.
func (r *Repository) recordOpLog(rev uint64, ops []txn.Op) {
	raw, err := msgpack.Marshal(ops)
	if err != nil {
		log.Warn("encode op log for revision %d: %v", rev, err)
		return
	}
	if err := r.kv.Put(opLogKey(rev), raw); err != nil {
		log.Warn("persist op log for revision %d: %v", rev, err)
	}
}

// OpLog returns the staged operations that produced rev, if still
// retained. Revision 0 (the bootstrap empty commit) has no op log.
func (r *Repository) OpLog(rev uint64) ([]txn.Op, error) {
	raw, ok, err := r.kv.Get(opLogKey(rev))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var ops []txn.Op
	if err := msgpack.Unmarshal(raw, &ops); err != nil {
		return nil, errors.Wrapf(err, "repo: decode op log for revision %d", rev)
	}
	return ops, nil
}

// SortedRevisions is a small helper used by svnadmin dump (internal/dumpfile)
// to walk history in order without reaching into revisionMap internals.
func (r *Repository) SortedRevisions() []uint64 {
	r.revs.mu.RLock()
	defer r.revs.mu.RUnlock()
	out := make([]uint64, 0, len(r.revs.commits))
	for rev := range r.revs.commits {
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Verify walks every object reachable from every revision's root tree and
// recomputes its hash, surfacing the first objects.ErrCorrupted any tier
// returns. It is svnadmin verify's full-repository check, exercising the
// same store.Get hash verification every normal read already performs,
// just against the entire reachable object graph instead of one path.
func (r *Repository) Verify() error {
	for _, rev := range r.SortedRevisions() {
		root, err := r.RootTree(rev)
		if err != nil {
			return errors.Wrapf(err, "repo: verify revision %d root", rev)
		}
		if err := r.verifyTree(rev, root, "/"); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) verifyTree(rev uint64, treeId objects.ObjectId, path string) error {
	entries, err := r.resolver.ListDir(treeId, "/")
	if err != nil {
		return apierr.Wrap(err, apierr.Corrupt, path, int64(rev))
	}
	for _, e := range entries {
		childPath := strings.TrimSuffix(path, "/") + "/" + e.Name
		if e.Kind == objects.KindTree {
			if err := r.verifyTree(rev, e.Id, childPath); err != nil {
				return err
			}
			continue
		}
		if _, err := r.store.Get(e.Id); err != nil {
			return apierr.Wrap(err, apierr.Corrupt, childPath, int64(rev))
		}
	}
	return nil
}
