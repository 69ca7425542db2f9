package pathindex

import (
	"testing"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore"
)

func putTree(t *testing.T, store *objstore.Store, tree *objects.Tree) objects.ObjectId {
	enc, err := objects.Encode(tree)
	if err != nil {
		t.Fatalf("Encode tree: %v", err)
	}
	id, err := store.Put(enc)
	if err != nil {
		t.Fatalf("Put tree: %v", err)
	}
	return id
}

func putBlob(t *testing.T, store *objstore.Store, data []byte) objects.ObjectId {
	enc, err := objects.Encode(objects.NewBlob(data, false))
	if err != nil {
		t.Fatalf("Encode blob: %v", err)
	}
	id, err := store.Put(enc)
	if err != nil {
		t.Fatalf("Put blob: %v", err)
	}
	return id
}

func TestResolveNestedPath(t *testing.T) {
	store, err := objstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	fileId := putBlob(t, store, []byte("fn main(){}"))

	srcTree := objects.EmptyTree()
	srcTree.Insert(objects.TreeEntry{Name: "main.rs", Target: fileId, Kind: objects.KindBlob, Mode: 0o644})
	srcTreeId := putTree(t, store, srcTree)

	root := objects.EmptyTree()
	root.Insert(objects.TreeEntry{Name: "src", Target: srcTreeId, Kind: objects.KindTree, Mode: 0o755})
	rootId := putTree(t, store, root)

	r := NewResolver(store)

	entry, err := r.Resolve(rootId, "/src/main.rs")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Id != fileId || entry.Kind != objects.KindBlob {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	// leading/trailing/repeated slash equivalence
	for _, p := range []string{"src/main.rs", "//src//main.rs/", "/src/main.rs/"} {
		e, err := r.Resolve(rootId, p)
		if err != nil || e.Id != fileId {
			t.Fatalf("path %q did not normalize: %v %+v", p, err, e)
		}
	}
}

func TestResolveRootPath(t *testing.T) {
	store, err := objstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	root := objects.EmptyTree()
	rootId := putTree(t, store, root)

	r := NewResolver(store)
	for _, p := range []string{"", "/"} {
		e, err := r.Resolve(rootId, p)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", p, err)
		}
		if e.Id != rootId || e.Kind != objects.KindTree {
			t.Fatalf("root path did not resolve to the root tree: %+v", e)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	store, err := objstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	root := objects.EmptyTree()
	rootId := putTree(t, store, root)

	r := NewResolver(store)
	if _, err := r.Resolve(rootId, "/nope"); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListDirSortedOrder(t *testing.T) {
	store, err := objstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	a := putBlob(t, store, []byte("a"))
	b := putBlob(t, store, []byte("b"))
	root := objects.EmptyTree()
	root.Insert(objects.TreeEntry{Name: "zeta", Target: b, Kind: objects.KindBlob})
	root.Insert(objects.TreeEntry{Name: "alpha", Target: a, Kind: objects.KindBlob})
	rootId := putTree(t, store, root)

	r := NewResolver(store)
	entries, err := r.ListDir(rootId, "/")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "alpha" || entries[1].Name != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %+v", entries)
	}
}

func TestEmptyRootListsEmpty(t *testing.T) {
	store, err := objstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	rootId := putTree(t, store, objects.EmptyTree())
	r := NewResolver(store)

	entries, err := r.ListDir(rootId, "/")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}
