package syncwire

import (
	"net"
	"testing"

	"github.com/hazelnut-vcs/svnbridge/internal/repo"
)

func TestSyncMirrorsRemoteRevisions(t *testing.T) {
	remote, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatalf("repo.Open remote: %v", err)
	}
	defer remote.Close()

	if _, err := remote.AddFile("alice", "/a.txt", []byte("hello"), false, "add a", 1000); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := remote.Mkdir("alice", "/dir", "add dir", 2000); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := remote.AddFile("bob", "/dir/b.txt", []byte("world"), false, "add b", 3000); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go handleConn(remote, conn)
		}
	}()
	defer l.Close()
	addr := l.Addr().String()

	local, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatalf("repo.Open local: %v", err)
	}
	defer local.Close()

	head, err := Sync(local, addr)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if head != remote.CurrentRevision() {
		t.Fatalf("expected head %d, got %d", remote.CurrentRevision(), head)
	}

	content, _, err := local.GetFile(head, "/dir/b.txt")
	if err != nil || string(content) != "world" {
		t.Fatalf("GetFile: %q %v", content, err)
	}
	entries, err := local.Log(1, 3)
	if err != nil || len(entries) != 3 {
		t.Fatalf("Log: %v %v", entries, err)
	}
}
