package objects

import (
	"bytes"
	"testing"
)

func TestBlobRoundTrip(t *testing.T) {
	b := NewBlob([]byte("fn main(){}"), false)
	enc, err := Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Blob == nil {
		t.Fatalf("expected a blob, got %+v", dec)
	}
	if !bytes.Equal(dec.Blob.Data, b.Data) {
		t.Fatalf("data mismatch: got %q want %q", dec.Blob.Data, b.Data)
	}
	if IdOf(enc) != b.Id() {
		t.Fatalf("id mismatch after round trip")
	}
}

func TestTreeSortedEntries(t *testing.T) {
	tree := EmptyTree()
	tree.Insert(TreeEntry{Name: "zeta.txt", Kind: KindBlob, Mode: 0o644})
	tree.Insert(TreeEntry{Name: "alpha.txt", Kind: KindBlob, Mode: 0o644})
	tree.Insert(TreeEntry{Name: "mid.txt", Kind: KindBlob, Mode: 0o644})

	var names []string
	for _, e := range tree.Iter() {
		names = append(names, e.Name)
	}
	want := []string{"alpha.txt", "mid.txt", "zeta.txt"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries not sorted: got %v want %v", names, want)
		}
	}
}

func TestTreeDeterministicHash(t *testing.T) {
	t1 := EmptyTree()
	t1.Insert(TreeEntry{Name: "b", Kind: KindBlob})
	t1.Insert(TreeEntry{Name: "a", Kind: KindBlob})

	t2 := EmptyTree()
	t2.Insert(TreeEntry{Name: "a", Kind: KindBlob})
	t2.Insert(TreeEntry{Name: "b", Kind: KindBlob})

	if t1.Id() != t2.Id() {
		t.Fatalf("trees with identical entries inserted in different order hashed differently")
	}
}

func TestTreeRemove(t *testing.T) {
	tree := EmptyTree()
	tree.Insert(TreeEntry{Name: "a", Kind: KindBlob})
	if !tree.Remove("a") {
		t.Fatalf("expected Remove to report the entry existed")
	}
	if tree.Remove("a") {
		t.Fatalf("expected second Remove to report absence")
	}
	if _, ok := tree.Get("a"); ok {
		t.Fatalf("expected entry to be gone")
	}
}

func TestCommitRoundTrip(t *testing.T) {
	tree := EmptyTree()
	c := NewCommit(tree.Id(), nil, "alice", "init", 1700000000, 0, 0)
	enc, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Commit == nil || dec.Commit.Author != "alice" || dec.Commit.Revision != 0 {
		t.Fatalf("unexpected decoded commit: %+v", dec.Commit)
	}
}

func TestDecodeCorruptedEnvelope(t *testing.T) {
	if _, err := Decode([]byte("not msgpack")); err == nil {
		t.Fatalf("expected an error decoding garbage bytes")
	}
}
