package webdav

import (
	"strings"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
)

// target is a resolved (revision, path) pair ready for XML rendering,
// computed once per request regardless of which resource scheme (public,
// !svn/bc, !svn/ver, ...) named it, per spec.md §4.8's URL scheme table.
type target struct {
	rev        uint64
	path       string // normalized, leading slash, no trailing slash except root "/"
	isRoot     bool
	isDir      bool
	id         objects.ObjectId
}

func (h *Handler) resolveTarget(res resource) (target, error) {
	switch res.kind {
	case kindPublic:
		return h.resolveAt(h.repo.CurrentRevision(), res.path)
	case kindBC, kindVer:
		return h.resolveAt(res.rev, res.path)
	case kindBaseline:
		return h.resolveAt(res.rev, "/")
	default:
		return target{}, apierr.New(apierr.BadRequest, "resource has no (revision, path) target")
	}
}

func (h *Handler) resolveAt(rev uint64, path string) (target, error) {
	norm := "/" + strings.Join(splitClean(path), "/")
	if norm == "//" {
		norm = "/"
	}
	isRoot := norm == "/" || norm == ""
	if isRoot {
		root, err := h.repo.RootTree(rev)
		if err != nil {
			return target{}, err
		}
		return target{rev: rev, path: "/", isRoot: true, isDir: true, id: root}, nil
	}
	if !h.repo.Exists(rev, norm) {
		return target{}, apierr.New(apierr.NotFound, "path %q not found at revision %d", norm, rev)
	}
	entries, err := h.repo.ListDir(rev, parentOf(norm))
	isDir := false
	if err == nil {
		leaf := leafOf(norm)
		for _, e := range entries {
			if e.Name == leaf {
				isDir = e.Kind == objects.KindTree
				break
			}
		}
	}
	return target{rev: rev, path: norm, isDir: isDir}, nil
}

func splitClean(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parentOf(path string) string {
	parts := splitClean(path)
	if len(parts) <= 1 {
		return "/"
	}
	return "/" + strings.Join(parts[:len(parts)-1], "/")
}

func leafOf(path string) string {
	parts := splitClean(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// baselineRelativePath is the path relative to the repository root,
// without the mount prefix -- spec.md §4.8's explicit regression: the
// root returns "", a subdirectory returns "trunk/", never "/svn/trunk/".
func baselineRelativePath(t target) string {
	if t.isRoot {
		return ""
	}
	rel := strings.TrimPrefix(t.path, "/")
	if t.isDir {
		rel += "/"
	}
	return rel
}
