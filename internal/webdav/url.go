// Package webdav translates WebDAV/DeltaV and SVN-extension HTTP requests
// into operations against the repository façade and serializes the exact
// XML shapes spec.md §4.8 pins down, the way the teacher's server/httpd
// package translates a bespoke JSON RPC into storage.Repository calls.
package webdav

import (
	"strconv"
	"strings"
)

// resourceKind discriminates the URL schemes of spec.md §4.8.
type resourceKind int

const (
	kindPublic resourceKind = iota // /svn or /svn/<path>
	kindVCC                        // /svn/!svn/vcc/default
	kindBaseline                   // /svn/!svn/bln/<rev>
	kindBC                          // /svn/!svn/bc/<rev>/<path>
	kindVer                         // /svn/!svn/ver/<rev>/<path>
	kindActivity                    // /svn/!svn/act/<id>
	kindWrk                         // /svn/!svn/wrk/<id>/<path>
	kindTxn                         // /svn/!svn/txn/<id>
	kindTxr                         // /svn/!svn/txr/<id>/<path>
)

// resource is a parsed request target.
type resource struct {
	kind resourceKind
	rev  uint64 // kindBaseline, kindBC, kindVer
	id   string // activity/txn id for kindActivity/kindWrk/kindTxn/kindTxr
	path string // normalized, leading-slash path; "" or "/" means root
}

// parseURL splits an incoming request path (already stripped of the mount
// prefix) into a resource descriptor.
func parseURL(raw string) (resource, bool) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return resource{kind: kindPublic, path: "/"}, true
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "!svn" {
		return resource{kind: kindPublic, path: "/" + trimmed}, true
	}
	if len(parts) < 2 {
		return resource{}, false
	}
	switch parts[1] {
	case "vcc":
		if len(parts) != 3 || parts[2] != "default" {
			return resource{}, false
		}
		return resource{kind: kindVCC}, true
	case "bln":
		if len(parts) != 3 {
			return resource{}, false
		}
		rev, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return resource{}, false
		}
		return resource{kind: kindBaseline, rev: rev}, true
	case "bc":
		if len(parts) < 3 {
			return resource{}, false
		}
		rev, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return resource{}, false
		}
		return resource{kind: kindBC, rev: rev, path: "/" + strings.Join(parts[3:], "/")}, true
	case "ver":
		if len(parts) < 3 {
			return resource{}, false
		}
		rev, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return resource{}, false
		}
		return resource{kind: kindVer, rev: rev, path: "/" + strings.Join(parts[3:], "/")}, true
	case "act":
		if len(parts) != 3 {
			return resource{}, false
		}
		return resource{kind: kindActivity, id: parts[2]}, true
	case "wrk":
		if len(parts) < 3 {
			return resource{}, false
		}
		return resource{kind: kindWrk, id: parts[2], path: "/" + strings.Join(parts[3:], "/")}, true
	case "txn":
		if len(parts) != 3 {
			return resource{}, false
		}
		return resource{kind: kindTxn, id: parts[2]}, true
	case "txr":
		if len(parts) < 3 {
			return resource{}, false
		}
		return resource{kind: kindTxr, id: parts[2], path: "/" + strings.Join(parts[3:], "/")}, true
	default:
		return resource{}, false
	}
}

// verHref builds a "!svn/ver/<rev>/<path>" href relative to the mount
// prefix, used throughout XML responses per spec.md §4.8.
func verHref(prefix string, rev uint64, path string) string {
	return joinHref(prefix, "!svn/ver/"+strconv.FormatUint(rev, 10)+path)
}

func bcHref(prefix string, rev uint64, path string) string {
	return joinHref(prefix, "!svn/bc/"+strconv.FormatUint(rev, 10)+path)
}

func vccHref(prefix string) string {
	return joinHref(prefix, "!svn/vcc/default")
}

func baselineHref(prefix string, rev uint64) string {
	return joinHref(prefix, "!svn/bln/"+strconv.FormatUint(rev, 10))
}

func activityHref(prefix, id string) string {
	return joinHref(prefix, "!svn/act/"+id)
}

func publicHref(prefix, path string) string {
	return joinHref(prefix, strings.TrimPrefix(path, "/"))
}

func joinHref(prefix, suffix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	suffix = strings.TrimPrefix(suffix, "/")
	if suffix == "" {
		return prefix + "/"
	}
	return prefix + "/" + suffix
}
