// Package objects implements the immutable, content-addressed object model:
// blobs, trees and commits, and their canonical msgpack serialization.
package objects

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ObjectId is a SHA-256 digest over an object's canonical encoding.
type ObjectId [32]byte

func (id ObjectId) String() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectId) IsZero() bool {
	return id == ObjectId{}
}

func ParseObjectId(s string) (ObjectId, error) {
	var id ObjectId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrapf(err, "object id %q is not hex", s)
	}
	if len(b) != len(id) {
		return id, errors.Errorf("object id %q has wrong length", s)
	}
	copy(id[:], b)
	return id, nil
}

// Kind discriminates the two tree-entry targets.
type Kind uint8

const (
	KindBlob Kind = iota
	KindTree
)

func (k Kind) String() string {
	if k == KindTree {
		return "tree"
	}
	return "blob"
}

// typeTag is the self-describing prefix byte of the canonical encoding.
type typeTag uint8

const (
	tagBlob typeTag = iota + 1
	tagTree
	tagCommit
)

// Blob represents file bytes.
type Blob struct {
	Data       []byte `msgpack:"data"`
	Executable bool   `msgpack:"executable"`
}

func NewBlob(data []byte, executable bool) *Blob {
	return &Blob{Data: append([]byte(nil), data...), Executable: executable}
}

func (b *Blob) Len() int {
	return len(b.Data)
}

func (b *Blob) Mode() uint32 {
	if b.Executable {
		return 0o755
	}
	return 0o644
}

func (b *Blob) Id() ObjectId {
	enc, err := Encode(b)
	if err != nil {
		// Encode never fails for an in-memory Blob; a failure here means
		// msgpack itself is broken.
		panic(err)
	}
	return idOf(enc)
}

// TreeEntry is one named child of a Tree.
type TreeEntry struct {
	Name   string   `msgpack:"name"`
	Target ObjectId `msgpack:"target"`
	Kind   Kind     `msgpack:"kind"`
	Mode   uint32   `msgpack:"mode"`
}

// Tree represents a directory: entries are always kept sorted by Name so
// that two logically identical trees serialize to identical bytes.
type Tree struct {
	Entries []TreeEntry `msgpack:"entries"`
}

func EmptyTree() *Tree {
	return &Tree{Entries: []TreeEntry{}}
}

func (t *Tree) indexOf(name string) (int, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool {
		return t.Entries[i].Name >= name
	})
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return i, true
	}
	return i, false
}

// Get returns the entry with the given name, if any.
func (t *Tree) Get(name string) (TreeEntry, bool) {
	i, ok := t.indexOf(name)
	if !ok {
		return TreeEntry{}, false
	}
	return t.Entries[i], true
}

// Insert adds or replaces the entry for entry.Name, keeping Entries sorted.
func (t *Tree) Insert(entry TreeEntry) {
	i, ok := t.indexOf(entry.Name)
	if ok {
		t.Entries[i] = entry
		return
	}
	t.Entries = append(t.Entries, TreeEntry{})
	copy(t.Entries[i+1:], t.Entries[i:])
	t.Entries[i] = entry
}

// Remove deletes the entry with the given name, if present.
func (t *Tree) Remove(name string) bool {
	i, ok := t.indexOf(name)
	if !ok {
		return false
	}
	t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
	return true
}

// Iter returns the entries in sorted order. The caller must not mutate the
// returned slice.
func (t *Tree) Iter() []TreeEntry {
	return t.Entries
}

func (t *Tree) Id() ObjectId {
	enc, err := Encode(t)
	if err != nil {
		panic(err)
	}
	return idOf(enc)
}

// Commit represents one revision.
type Commit struct {
	Tree      ObjectId   `msgpack:"tree"`
	Parents   []ObjectId `msgpack:"parents"`
	Author    string     `msgpack:"author"`
	Message   string     `msgpack:"message"`
	Timestamp int64      `msgpack:"timestamp"`
	TzOffset  int32      `msgpack:"tzOffset"`
	Revision  uint64     `msgpack:"revision"`
}

func NewCommit(tree ObjectId, parents []ObjectId, author, message string, timestamp int64, tzOffset int32, revision uint64) *Commit {
	return &Commit{
		Tree:      tree,
		Parents:   append([]ObjectId(nil), parents...),
		Author:    author,
		Message:   message,
		Timestamp: timestamp,
		TzOffset:  tzOffset,
		Revision:  revision,
	}
}

func (c *Commit) Id() ObjectId {
	enc, err := Encode(c)
	if err != nil {
		panic(err)
	}
	return idOf(enc)
}

// Object is the union of the three object kinds, used by Encode/Decode.
type Object interface {
	*Blob | *Tree | *Commit
}

// envelope is the self-describing wire form: a msgpack map holding the
// type tag and the msgpack-encoded payload. msgpack itself is
// self-delimiting, so no separate length prefix is needed beyond what the
// caller's own storage layer already tracks (pack records, LSM values).
type envelope struct {
	Tag     typeTag `msgpack:"tag"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode produces the canonical byte form of o, used both for hashing and
// for storage. The same bytes decode back to an equal value.
func Encode(o any) ([]byte, error) {
	var tag typeTag
	switch o.(type) {
	case *Blob:
		tag = tagBlob
	case *Tree:
		tag = tagTree
	case *Commit:
		tag = tagCommit
	default:
		return nil, errors.Errorf("objects: cannot encode %T", o)
	}

	payload, err := msgpack.Marshal(o)
	if err != nil {
		return nil, errors.Wrap(err, "objects: marshal payload")
	}

	env := envelope{Tag: tag, Payload: payload}
	out, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, errors.Wrap(err, "objects: marshal envelope")
	}
	return out, nil
}

// Decoded is the result of Decode: exactly one of the fields is non-nil.
type Decoded struct {
	Blob   *Blob
	Tree   *Tree
	Commit *Commit
}

// Decode parses the canonical byte form produced by Encode.
func Decode(data []byte) (Decoded, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Decoded{}, errors.Wrap(err, "objects: unmarshal envelope")
	}

	switch env.Tag {
	case tagBlob:
		var b Blob
		if err := msgpack.Unmarshal(env.Payload, &b); err != nil {
			return Decoded{}, errors.Wrap(err, "objects: unmarshal blob")
		}
		return Decoded{Blob: &b}, nil
	case tagTree:
		var t Tree
		if err := msgpack.Unmarshal(env.Payload, &t); err != nil {
			return Decoded{}, errors.Wrap(err, "objects: unmarshal tree")
		}
		return Decoded{Tree: &t}, nil
	case tagCommit:
		var c Commit
		if err := msgpack.Unmarshal(env.Payload, &c); err != nil {
			return Decoded{}, errors.Wrap(err, "objects: unmarshal commit")
		}
		return Decoded{Commit: &c}, nil
	default:
		return Decoded{}, errors.Errorf("objects: unknown type tag %d", env.Tag)
	}
}

func idOf(encoded []byte) ObjectId {
	sum := sha256.Sum256(encoded)
	return ObjectId(sum)
}

// IdOf is the public form of idOf, used by callers that already hold an
// object's canonical encoding (e.g. the object store, verifying on read).
func IdOf(encoded []byte) ObjectId {
	return idOf(encoded)
}

// ErrCorrupted is wrapped and returned whenever decoded bytes don't hash
// back to the id under which they were retrieved.
var ErrCorrupted = fmt.Errorf("objects: corrupted object")
