package dumpfile

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/hazelnut-vcs/svnbridge/internal/repo"
)

func buildTrunkBranchesTagsDump() string {
	var b strings.Builder
	b.WriteString("SVN-fs-dump-format-version: 3\n\n")
	b.WriteString("UUID: 11111111-1111-1111-1111-111111111111\n\n")

	writeRevHeader := func(num, propLen int) {
		fmt.Fprintf(&b, "Revision-number: %d\n", num)
		fmt.Fprintf(&b, "Prop-content-length: %d\n", propLen)
		fmt.Fprintf(&b, "Content-length: %d\n\n", propLen)
	}

	props := func(kv map[string]string) string {
		var pb strings.Builder
		for k, v := range kv {
			fmt.Fprintf(&pb, "K %d\n%s\nV %d\n%s\n", len(k), k, len(v), v)
		}
		pb.WriteString("PROPS-END\n")
		return pb.String()
	}

	// revision 1: create trunk, branches, tags
	revProps := props(map[string]string{"svn:author": "alice", "svn:log": "scaffold"})
	writeRevHeader(1, len(revProps))
	b.WriteString(revProps)
	b.WriteString("\n\n")
	for _, dir := range []string{"trunk", "branches", "tags"} {
		fmt.Fprintf(&b, "Node-path: %s\n", dir)
		b.WriteString("Node-kind: dir\n")
		b.WriteString("Node-action: add\n\n\n")
	}

	// revision 2: add README to trunk
	revProps = props(map[string]string{"svn:author": "alice", "svn:log": "add readme"})
	writeRevHeader(2, len(revProps))
	b.WriteString(revProps)
	b.WriteString("\n\n")
	content := "hello\n"
	fmt.Fprintf(&b, "Node-path: trunk/README.md\n")
	b.WriteString("Node-kind: file\n")
	b.WriteString("Node-action: add\n")
	fmt.Fprintf(&b, "Text-content-length: %d\n", len(content))
	fmt.Fprintf(&b, "Content-length: %d\n\n", len(content))
	b.WriteString(content)
	b.WriteString("\n\n")

	// revision 3: branch copy trunk -> branches/feature
	revProps = props(map[string]string{"svn:author": "bob", "svn:log": "branch feature"})
	writeRevHeader(3, len(revProps))
	b.WriteString(revProps)
	b.WriteString("\n\n")
	b.WriteString("Node-path: branches/feature\n")
	b.WriteString("Node-kind: dir\n")
	b.WriteString("Node-action: add\n")
	b.WriteString("Node-copyfrom-rev: 2\n")
	b.WriteString("Node-copyfrom-path: trunk\n\n\n")

	// revision 4: modify README on the branch
	revProps = props(map[string]string{"svn:author": "bob", "svn:log": "edit on branch"})
	writeRevHeader(4, len(revProps))
	b.WriteString(revProps)
	b.WriteString("\n\n")
	content2 := "hello again\n"
	b.WriteString("Node-path: branches/feature/README.md\n")
	b.WriteString("Node-action: change\n")
	fmt.Fprintf(&b, "Text-content-length: %d\n", len(content2))
	fmt.Fprintf(&b, "Content-length: %d\n\n", len(content2))
	b.WriteString(content2)
	b.WriteString("\n\n")

	// revision 5: tag the original trunk state at revision 2
	revProps = props(map[string]string{"svn:author": "carol", "svn:log": "tag v0.1.0"})
	writeRevHeader(5, len(revProps))
	b.WriteString(revProps)
	b.WriteString("\n\n")
	b.WriteString("Node-path: tags/v0.1.0\n")
	b.WriteString("Node-kind: dir\n")
	b.WriteString("Node-action: add\n")
	b.WriteString("Node-copyfrom-rev: 2\n")
	b.WriteString("Node-copyfrom-path: trunk\n\n\n")

	return b.String()
}

func TestLoadFiveRevisionTrunkBranchesTagsDump(t *testing.T) {
	r, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	rd, err := NewReader(strings.NewReader(buildTrunkBranchesTagsDump()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	head, err := Load(rd, r)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if head != 5 {
		t.Fatalf("expected HEAD=5, got %d", head)
	}

	tagEntries, err := r.ListDir(5, "/tags/v0.1.0")
	if err != nil {
		t.Fatalf("ListDir tags/v0.1.0: %v", err)
	}
	trunkEntries, err := r.ListDir(2, "/trunk")
	if err != nil {
		t.Fatalf("ListDir trunk@2: %v", err)
	}

	if len(tagEntries) != len(trunkEntries) {
		t.Fatalf("tag snapshot has %d entries, trunk@2 has %d", len(tagEntries), len(trunkEntries))
	}
	for i := range tagEntries {
		if tagEntries[i].Name != trunkEntries[i].Name {
			t.Fatalf("entry %d mismatch: %q vs %q", i, tagEntries[i].Name, trunkEntries[i].Name)
		}
	}

	data, _, err := r.GetFile(5, "/branches/feature/README.md")
	if err != nil || string(data) != "hello again\n" {
		t.Fatalf("branch README: data=%q err=%v", data, err)
	}
	data, _, err = r.GetFile(2, "/trunk/README.md")
	if err != nil || string(data) != "hello\n" {
		t.Fatalf("trunk README at rev 2: data=%q err=%v", data, err)
	}
}

func TestDumpThenLoadRoundTrips(t *testing.T) {
	src, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open src: %v", err)
	}
	defer src.Close()

	if _, err := src.Mkdir("alice", "/trunk", "mk trunk", 1000); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := src.AddFile("alice", "/trunk/a.txt", []byte("one"), false, "add a", 2000); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := src.ModifyFile("alice", "/trunk/a.txt", []byte("two"), true, "edit a", 3000); err != nil {
		t.Fatalf("ModifyFile: %v", err)
	}

	var buf bytes.Buffer
	if err := Dump(src, &buf, 3); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	dst, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open dst: %v", err)
	}
	defer dst.Close()

	rd, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	head, err := Load(rd, dst)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if head != src.CurrentRevision() {
		t.Fatalf("expected HEAD=%d after replay, got %d", src.CurrentRevision(), head)
	}

	data, exec, err := dst.GetFile(head, "/trunk/a.txt")
	if err != nil || string(data) != "two" || !exec {
		t.Fatalf("GetFile after round trip: data=%q exec=%v err=%v", data, exec, err)
	}
}

func TestReaderRejectsMissingPropsEndTerminator(t *testing.T) {
	bad := "SVN-fs-dump-format-version: 3\n\nRevision-number: 1\nProp-content-length: 3\nContent-length: 3\n\nbad"
	rd, err := NewReader(strings.NewReader(bad))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := rd.Next(); err == nil {
		t.Fatalf("expected an error for a properties block missing PROPS-END")
	}
}
