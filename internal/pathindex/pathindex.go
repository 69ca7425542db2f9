// Package pathindex resolves (revision root tree, path) to an ObjectId by
// walking trees, and maintains the flat HEAD cache described in spec.md
// §4.3 and §9 as an accelerating fast path over the same results.
package pathindex

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
	"github.com/hazelnut-vcs/svnbridge/internal/objstore"
)

// Entry is one resolved path: its id and kind.
type Entry struct {
	Name string
	Id   objects.ObjectId
	Kind objects.Kind
}

// Normalize collapses repeated slashes and strips leading/trailing
// slashes, so "/a//b/" and "a/b" resolve identically, per spec.md §4.3.
func Normalize(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolver walks objstore trees from a given root.
type Resolver struct {
	store *objstore.Store
}

func NewResolver(store *objstore.Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) loadTree(id objects.ObjectId) (*objects.Tree, error) {
	enc, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, apierr.New(apierr.Corrupt, "tree %s missing from object store", id)
	}
	dec, err := objects.Decode(enc)
	if err != nil {
		return nil, errors.Wrap(err, "pathindex: decode tree")
	}
	if dec.Tree == nil {
		return nil, apierr.New(apierr.Corrupt, "object %s is not a tree", id)
	}
	return dec.Tree, nil
}

// Resolve walks rootTree down path, returning the final entry. The root
// path ("" or "/") resolves to a synthetic entry pointing at rootTree
// itself, per spec.md §4.3.
func (r *Resolver) Resolve(rootTree objects.ObjectId, path string) (Entry, error) {
	parts := Normalize(path)
	if len(parts) == 0 {
		return Entry{Name: "", Id: rootTree, Kind: objects.KindTree}, nil
	}

	cur := rootTree
	var entry objects.TreeEntry
	for i, part := range parts {
		tree, err := r.loadTree(cur)
		if err != nil {
			return Entry{}, err
		}
		e, ok := tree.Get(part)
		if !ok {
			return Entry{}, apierr.New(apierr.NotFound, "path %q not found", path)
		}
		entry = e
		if i < len(parts)-1 {
			if e.Kind != objects.KindTree {
				return Entry{}, apierr.New(apierr.NotFound, "path %q descends through a file", path)
			}
			cur = e.Target
		}
	}
	return Entry{Name: entry.Name, Id: entry.Target, Kind: entry.Kind}, nil
}

// ListDir returns the entries of the directory at path, sorted by name.
func (r *Resolver) ListDir(rootTree objects.ObjectId, path string) ([]Entry, error) {
	parts := Normalize(path)
	treeId := rootTree
	if len(parts) > 0 {
		entry, err := r.Resolve(rootTree, path)
		if err != nil {
			return nil, err
		}
		if entry.Kind != objects.KindTree {
			return nil, apierr.New(apierr.BadRequest, "path %q is not a directory", path)
		}
		treeId = entry.Id
	}

	tree, err := r.loadTree(treeId)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(tree.Iter()))
	for _, e := range tree.Iter() {
		out = append(out, Entry{Name: e.Name, Id: e.Target, Kind: e.Kind})
	}
	return out, nil
}

// Exists reports whether path resolves under rootTree.
func (r *Resolver) Exists(rootTree objects.ObjectId, path string) bool {
	_, err := r.Resolve(rootTree, path)
	return err == nil
}

// HeadCache is the flat path -> ObjectId convenience mapping maintained
// in parallel with the authoritative tree walk, per spec.md §4.3. It is
// purely an accelerator: every write to it is derivable by walking the
// current HEAD tree, and a resolver must return identical answers with
// or without consulting it.
type HeadCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewHeadCache() *HeadCache {
	return &HeadCache{entries: make(map[string]Entry)}
}

func (c *HeadCache) Get(path string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[normalizedKey(path)]
	return e, ok
}

func (c *HeadCache) Set(path string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[normalizedKey(path)] = e
}

func (c *HeadCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, normalizedKey(path))
}

// Rebuild replaces the cache contents by walking the full tree at root,
// called once per new HEAD after a commit.
func (c *HeadCache) Rebuild(r *Resolver, root objects.ObjectId) error {
	fresh := make(map[string]Entry)
	if err := walk(r, root, "", fresh); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()
	return nil
}

func walk(r *Resolver, treeId objects.ObjectId, prefix string, out map[string]Entry) error {
	tree, err := r.loadTree(treeId)
	if err != nil {
		return err
	}
	for _, e := range tree.Iter() {
		full := prefix + "/" + e.Name
		out[normalizedKey(full)] = Entry{Name: e.Name, Id: e.Target, Kind: e.Kind}
		if e.Kind == objects.KindTree {
			if err := walk(r, e.Target, full, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalizedKey(path string) string {
	return "/" + strings.Join(Normalize(path), "/")
}
