package objstore

import (
	"testing"

	"github.com/hazelnut-vcs/svnbridge/internal/objects"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	blob := objects.NewBlob([]byte("Hello"), false)
	enc, _ := objects.Encode(blob)

	id, err := s.Put(enc)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(enc) {
		t.Fatalf("round trip mismatch")
	}

	ok, err := s.Contains(id)
	if err != nil || !ok {
		t.Fatalf("Contains: ok=%v err=%v", ok, err)
	}
}

func TestPutDeduplicates(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	blob := objects.NewBlob([]byte("same bytes"), false)
	enc, _ := objects.Encode(blob)

	id1, err := s.Put(enc)
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	id2, err := s.Put(enc)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical ids for identical content")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var missing objects.ObjectId
	missing[0] = 0xFF

	got, err := s.Get(missing)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing object, got %d bytes", len(got))
	}
}

func TestCompactPromotesToWarmTierAndStaysReadable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	blob := objects.NewBlob([]byte("packed content"), false)
	enc, _ := objects.Encode(blob)
	id, err := s.Put(enc)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	promoted, err := s.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected 1 object promoted, got %d", promoted)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get after compact: %v", err)
	}
	if string(got) != string(enc) {
		t.Fatalf("object unreadable or corrupted after compaction")
	}
}

func TestReopenLoadsExistingPacks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	blob := objects.NewBlob([]byte("persisted"), false)
	enc, _ := objects.Encode(blob)
	id, _ := s.Put(enc)
	if _, err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != string(enc) {
		t.Fatalf("object not recovered after reopen")
	}
}
