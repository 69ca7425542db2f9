// Package txn implements the transaction manager: opening transactions,
// staging per-path operations, and committing them atomically into a new
// revision, per spec.md §4.4.
package txn

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore"
	"github.com/hazelnut-vcs/svnbridge/internal/pathindex"
	"github.com/hazelnut-vcs/svnbridge/internal/propstore"
)

var log = logging.For("txn")

// OpKind enumerates the staged operation types of spec.md §3.
type OpKind int

const (
	OpAdd OpKind = iota
	OpModify
	OpDelete
	OpMkdir
	OpCopy
	OpPropSet
	OpPropDel
)

// Op is one staged change against a path.
type Op struct {
	Kind       OpKind
	Path       string
	Content    []byte
	Executable bool
	FromPath   string
	FromRev    uint64
	PropName   string
	PropValue  string
}

// State is the transaction lifecycle of spec.md §3: Open -> Committing ->
// {Committed|Aborted}.
type State int

const (
	Open State = iota
	Committing
	Committed
	Aborted
)

// Transaction is transient, process-local staged-commit state.
type Transaction struct {
	ID        string
	BaseRev   uint64
	Author    string
	CreatedAt time.Time

	mu    sync.Mutex
	state State
	ops   []Op
	rev   uint64 // valid once state == Committed
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) CommittedRevision() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rev, t.state == Committed
}

// RevisionMap is the authoritative revision -> commit id index, owned by
// the repository façade and consulted/updated by the transaction manager
// under its own reader-writer lock (spec.md §5).
type RevisionMap interface {
	Head() (rev uint64, commitId objects.ObjectId)
	CommitAt(rev uint64) (objects.ObjectId, error)
	Append(rev uint64, commitId objects.ObjectId) error
}

// PropertyWriter lets the transaction manager attach the author/message
// and any staged property ops to the revision it creates.
type PropertyWriter interface {
	SetRevisionProp(rev uint64, name, value string) error
	SetPathProp(rev uint64, path, name, value string) error
	RemovePathProp(rev uint64, path, name string) error
}

// Manager owns all open transactions and the single commit lock that
// serializes the visibility boundary of commits (spec.md §4.4, §5).
type Manager struct {
	store    *objstore.Store
	resolver *pathindex.Resolver
	revs     RevisionMap
	props    PropertyWriter

	mu   sync.RWMutex
	txns map[string]*Transaction

	commitLock sync.Mutex

	// TTL after which an Open transaction, counted from its creation, is
	// eligible for implicit abort by SweepExpired, per spec.md §4.4's
	// "bounded, e.g. an hour".
	TTL time.Duration

	// OnCommit, if set, is invoked after a transaction's revision is
	// published with the exact ops that produced it. The façade uses
	// this to keep a per-revision op log for exact dump reconstruction;
	// it is not part of the visibility boundary itself.
	OnCommit func(rev uint64, ops []Op)
}

func NewManager(store *objstore.Store, resolver *pathindex.Resolver, revs RevisionMap, props PropertyWriter) *Manager {
	return &Manager{
		store:    store,
		resolver: resolver,
		revs:     revs,
		props:    props,
		txns:     make(map[string]*Transaction),
		TTL:       time.Hour,
	}
}

// Open starts a new transaction branched from baseRevision.
func (m *Manager) Open(baseRevision uint64, author string) *Transaction {
	t := &Transaction{
		ID:        uuid.NewString(),
		BaseRev:   baseRevision,
		Author:    author,
		CreatedAt: time.Now(),
		state:     Open,
	}
	m.mu.Lock()
	m.txns[t.ID] = t
	m.mu.Unlock()
	return t
}

// Get returns the transaction with the given id, if it still exists.
func (m *Manager) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	return t, ok
}

// Stage appends an operation to an Open transaction. Validation here is
// superficial (shape only); full validation happens at Commit, per
// spec.md §4.4.
func (m *Manager) Stage(id string, op Op) error {
	t, ok := m.Get(id)
	if !ok {
		return apierr.New(apierr.NotFound, "transaction %s not found", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return apierr.New(apierr.Conflict, "transaction %s is not open", id)
	}
	if op.Path == "" && op.Kind != OpCopy {
		return apierr.New(apierr.BadRequest, "staged operation has no path")
	}
	t.ops = append(t.ops, op)
	return nil
}

// Abort discards a transaction's staged work without committing it.
func (m *Manager) Abort(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return apierr.New(apierr.NotFound, "transaction %s not found", id)
	}
	t.mu.Lock()
	t.state = Aborted
	t.ops = nil
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.txns, id)
	m.mu.Unlock()
	return nil
}

// SweepExpired aborts every Open transaction older than m.TTL, reclaiming
// leaked resources per spec.md §4.4.
func (m *Manager) SweepExpired() int {
	m.mu.RLock()
	var stale []string
	for id, t := range m.txns {
		t.mu.Lock()
		if t.state == Open && time.Since(t.CreatedAt) > m.TTL {
			stale = append(stale, id)
		}
		t.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, id := range stale {
		log.Info("aborting expired transaction %s", id)
		m.Abort(id)
	}
	return len(stale)
}

// Commit runs the core algorithm of spec.md §4.4: materialize the new
// tree, construct the commit object, assign the next revision number,
// and publish it. The new tree is materialized from the base revision
// before the commit lock is taken; only reading HEAD, storing and
// persisting the commit object, the revision-map update and the revision
// property writes hold the commit lock.
func (m *Manager) Commit(id string, message string, timestamp int64, tzOffset int32) (uint64, error) {
	t, ok := m.Get(id)
	if !ok {
		return 0, apierr.New(apierr.NotFound, "transaction %s not found", id)
	}

	t.mu.Lock()
	if t.state != Open {
		state := t.state
		t.mu.Unlock()
		if state == Committed {
			return 0, apierr.New(apierr.Conflict, "transaction %s already committed", id)
		}
		return 0, apierr.New(apierr.Conflict, "transaction %s is not open", id)
	}
	t.state = Committing
	ops := append([]Op(nil), t.ops...)
	author := t.Author
	baseRev := t.BaseRev
	t.mu.Unlock()

	rev, commitErr := m.commitLocked(baseRev, author, message, timestamp, tzOffset, ops)

	t.mu.Lock()
	if commitErr != nil {
		t.state = Aborted
	} else {
		t.state = Committed
		t.rev = rev
	}
	t.mu.Unlock()

	if commitErr == nil {
		m.mu.Lock()
		delete(m.txns, id)
		m.mu.Unlock()

		if m.OnCommit != nil {
			m.OnCommit(rev, ops)
		}
	}

	return rev, commitErr
}

func (m *Manager) commitLocked(baseRev uint64, author, message string, timestamp int64, tzOffset int32, ops []Op) (uint64, error) {
	baseTree, err := m.rootTreeAt(baseRev)
	if err != nil {
		return 0, err
	}

	newRoot := baseTree
	for _, op := range ops {
		newRoot, err = m.applyOp(newRoot, op)
		if err != nil {
			return 0, err
		}
	}

	m.commitLock.Lock()
	defer m.commitLock.Unlock()

	headRev, headCommitId := m.revs.Head()

	newRev := headRev + 1
	var parents []objects.ObjectId
	if newRev > 0 {
		parents = []objects.ObjectId{headCommitId}
	}

	commit := objects.NewCommit(newRoot, parents, author, message, timestamp, tzOffset, newRev)
	enc, err := objects.Encode(commit)
	if err != nil {
		return 0, errors.Wrap(err, "txn: encode commit")
	}
	commitId, err := m.store.Put(enc)
	if err != nil {
		return 0, errors.Wrap(err, "txn: store commit")
	}

	// Durability precedes visibility: every object this commit introduced
	// must be fsynced before the revision-map entry that makes them
	// reachable is published (spec.md §4.4 step 6, §5).
	if err := m.store.Persist(); err != nil {
		return 0, errors.Wrap(err, "txn: persist object store")
	}

	if err := m.revs.Append(newRev, commitId); err != nil {
		return 0, errors.Wrap(err, "txn: publish revision")
	}

	if err := m.props.SetRevisionProp(newRev, propstore.PropAuthor, author); err != nil {
		return 0, err
	}
	if err := m.props.SetRevisionProp(newRev, propstore.PropLog, message); err != nil {
		return 0, err
	}
	if err := m.props.SetRevisionProp(newRev, propstore.PropDate, strconv.FormatInt(timestamp, 10)); err != nil {
		return 0, err
	}

	for _, op := range ops {
		if err := m.applyPropSideEffects(newRev, op); err != nil {
			return 0, err
		}
	}

	return newRev, nil
}

func (m *Manager) rootTreeAt(rev uint64) (objects.ObjectId, error) {
	commitId, err := m.revs.CommitAt(rev)
	if err != nil {
		return objects.ObjectId{}, err
	}
	enc, err := m.store.Get(commitId)
	if err != nil {
		return objects.ObjectId{}, err
	}
	if enc == nil {
		return objects.ObjectId{}, apierr.New(apierr.Corrupt, "commit %s for revision %d missing", commitId, rev)
	}
	dec, err := objects.Decode(enc)
	if err != nil || dec.Commit == nil {
		return objects.ObjectId{}, apierr.New(apierr.Corrupt, "revision %d does not resolve to a commit", rev)
	}
	return dec.Commit.Tree, nil
}

func (m *Manager) applyPropSideEffects(rev uint64, op Op) error {
	switch op.Kind {
	case OpAdd, OpModify:
		if op.Executable {
			return m.props.SetPathProp(rev, op.Path, propstore.PropExecutable, "*")
		}
		return m.props.RemovePathProp(rev, op.Path, propstore.PropExecutable)
	case OpPropSet:
		return m.props.SetPathProp(rev, op.Path, op.PropName, op.PropValue)
	case OpPropDel:
		return m.props.RemovePathProp(rev, op.Path, op.PropName)
	}
	return nil
}

func (m *Manager) applyOp(root objects.ObjectId, op Op) (objects.ObjectId, error) {
	switch op.Kind {
	case OpAdd:
		return m.mutate(root, op.Path, func(parent *objects.Tree, leaf string) (*objects.TreeEntry, error) {
			if _, exists := parent.Get(leaf); exists {
				return nil, apierr.New(apierr.Conflict, "%s already exists", op.Path)
			}
			return m.blobEntry(leaf, op.Content, op.Executable)
		})
	case OpModify:
		return m.mutate(root, op.Path, func(parent *objects.Tree, leaf string) (*objects.TreeEntry, error) {
			existing, exists := parent.Get(leaf)
			if !exists {
				return nil, apierr.New(apierr.NotFound, "%s does not exist", op.Path)
			}
			if existing.Kind != objects.KindBlob {
				return nil, apierr.New(apierr.Conflict, "%s is a directory", op.Path)
			}
			return m.blobEntry(leaf, op.Content, op.Executable)
		})
	case OpDelete:
		return m.mutateDelete(root, op.Path)
	case OpMkdir:
		return m.mutate(root, op.Path, func(parent *objects.Tree, leaf string) (*objects.TreeEntry, error) {
			if _, exists := parent.Get(leaf); exists {
				return nil, apierr.New(apierr.Conflict, "%s already exists", op.Path)
			}
			emptyId := m.putTree(objects.EmptyTree())
			return &objects.TreeEntry{Name: leaf, Target: emptyId, Kind: objects.KindTree, Mode: 0o755}, nil
		})
	case OpCopy:
		return m.applyCopy(root, op)
	case OpPropSet, OpPropDel:
		return root, nil // property-only ops do not touch the tree
	default:
		return objects.ObjectId{}, apierr.New(apierr.BadRequest, "unknown op kind %d", op.Kind)
	}
}

func (m *Manager) applyCopy(root objects.ObjectId, op Op) (objects.ObjectId, error) {
	srcRootTree, err := m.rootTreeAt(op.FromRev)
	if err != nil {
		return objects.ObjectId{}, err
	}
	srcEntry, err := m.resolver.Resolve(srcRootTree, op.FromPath)
	if err != nil {
		return objects.ObjectId{}, apierr.WithPath(err, op.FromPath)
	}

	return m.mutate(root, op.Path, func(parent *objects.Tree, leaf string) (*objects.TreeEntry, error) {
		if _, exists := parent.Get(leaf); exists {
			return nil, apierr.New(apierr.Conflict, "%s already exists", op.Path)
		}
		mode := uint32(0o644)
		if srcEntry.Kind == objects.KindTree {
			mode = 0o755
		}
		return &objects.TreeEntry{Name: leaf, Target: srcEntry.Id, Kind: srcEntry.Kind, Mode: mode}, nil
	})
}

func (m *Manager) blobEntry(leaf string, content []byte, executable bool) (*objects.TreeEntry, error) {
	blob := objects.NewBlob(content, executable)
	enc, err := objects.Encode(blob)
	if err != nil {
		return nil, errors.Wrap(err, "txn: encode blob")
	}
	id, err := m.store.Put(enc)
	if err != nil {
		return nil, err
	}
	mode := uint32(0o644)
	if executable {
		mode = 0o755
	}
	return &objects.TreeEntry{Name: leaf, Target: id, Kind: objects.KindBlob, Mode: mode}, nil
}

func (m *Manager) putTree(tree *objects.Tree) objects.ObjectId {
	enc, err := objects.Encode(tree)
	if err != nil {
		panic(err) // an in-memory Tree always encodes
	}
	id, err := m.store.Put(enc)
	if err != nil {
		panic(err)
	}
	return id
}

func (m *Manager) loadTree(id objects.ObjectId) (*objects.Tree, error) {
	enc, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, apierr.New(apierr.Corrupt, "tree %s missing from object store", id)
	}
	dec, err := objects.Decode(enc)
	if err != nil || dec.Tree == nil {
		return nil, apierr.New(apierr.Corrupt, "object %s is not a tree", id)
	}
	return dec.Tree, nil
}

type leafMutator func(parent *objects.Tree, leaf string) (*objects.TreeEntry, error)

// mutate walks down to path's parent directory, applies fn to obtain the
// new leaf entry, and re-materializes every ancestor tree bottom-up,
// returning the new root id.
func (m *Manager) mutate(root objects.ObjectId, path string, fn leafMutator) (objects.ObjectId, error) {
	parts := pathindex.Normalize(path)
	if len(parts) == 0 {
		return objects.ObjectId{}, apierr.New(apierr.BadRequest, "path %q has no leaf name", path)
	}
	return m.walk(root, parts, fn)
}

func (m *Manager) walk(id objects.ObjectId, parts []string, fn leafMutator) (objects.ObjectId, error) {
	tree, err := m.loadTree(id)
	if err != nil {
		return objects.ObjectId{}, err
	}

	if len(parts) == 1 {
		newEntry, err := fn(tree, parts[0])
		if err != nil {
			return objects.ObjectId{}, err
		}
		tree.Insert(*newEntry)
		return m.putTree(tree), nil
	}

	child, ok := tree.Get(parts[0])
	if !ok {
		return objects.ObjectId{}, apierr.New(apierr.Conflict, "missing parent directory %q", parts[0])
	}
	if child.Kind != objects.KindTree {
		return objects.ObjectId{}, apierr.New(apierr.Conflict, "%q is not a directory", parts[0])
	}

	newChildId, err := m.walk(child.Target, parts[1:], fn)
	if err != nil {
		return objects.ObjectId{}, err
	}
	tree.Insert(objects.TreeEntry{Name: parts[0], Target: newChildId, Kind: objects.KindTree, Mode: child.Mode})
	return m.putTree(tree), nil
}

func (m *Manager) mutateDelete(root objects.ObjectId, path string) (objects.ObjectId, error) {
	parts := pathindex.Normalize(path)
	if len(parts) == 0 {
		return objects.ObjectId{}, apierr.New(apierr.BadRequest, "cannot delete the root")
	}
	return m.walkDelete(root, parts)
}

func (m *Manager) walkDelete(id objects.ObjectId, parts []string) (objects.ObjectId, error) {
	tree, err := m.loadTree(id)
	if err != nil {
		return objects.ObjectId{}, err
	}

	if len(parts) == 1 {
		if !tree.Remove(parts[0]) {
			return objects.ObjectId{}, apierr.New(apierr.Conflict, "%q does not exist", parts[0])
		}
		return m.putTree(tree), nil
	}

	child, ok := tree.Get(parts[0])
	if !ok {
		return objects.ObjectId{}, apierr.New(apierr.Conflict, "missing parent directory %q", parts[0])
	}
	newChildId, err := m.walkDelete(child.Target, parts[1:])
	if err != nil {
		return objects.ObjectId{}, err
	}
	tree.Insert(objects.TreeEntry{Name: parts[0], Target: newChildId, Kind: objects.KindTree, Mode: child.Mode})
	return m.putTree(tree), nil
}
