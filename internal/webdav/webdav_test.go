package webdav

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazelnut-vcs/svnbridge/internal/repo"
)

func newTestHandler(t *testing.T) (*Handler, *repo.Repository) {
	t.Helper()
	r, err := repo.Open(t.TempDir())
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return New(r, "/svn"), r
}

func doRequest(t *testing.T, h *Handler, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOptionsAdvertisesCapabilitiesAndYoungestRevision(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, "OPTIONS", "/svn", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("DAV"), "version-controlled-configuration") {
		t.Fatalf("DAV header missing version-controlled-configuration: %q", rec.Header().Get("DAV"))
	}
	if rec.Header().Get("SVN") != "1,2" {
		t.Fatalf("unexpected SVN header: %q", rec.Header().Get("SVN"))
	}
	if rec.Header().Get("SVN-Youngest-Revision") != "0" {
		t.Fatalf("expected youngest revision 0, got %q", rec.Header().Get("SVN-Youngest-Revision"))
	}
}

func TestPropfindDepthZeroOnRootYieldsVCCAndEmptyRelativePath(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, "PROPFIND", "/svn", "", map[string]string{"Depth": "0"})
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d: %s", rec.Code, rec.Body.String())
	}

	var ms multistatus
	if err := xml.Unmarshal(rec.Body.Bytes(), &ms); err != nil {
		t.Fatalf("unmarshal response: %v\nbody: %s", err, rec.Body.String())
	}
	if len(ms.Responses) != 1 {
		t.Fatalf("expected exactly one <response>, got %d", len(ms.Responses))
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<D:version-controlled-configuration><D:href>/svn/!svn/vcc/default</D:href></D:version-controlled-configuration>") {
		t.Fatalf("missing vcc href in body: %s", body)
	}
	if !strings.Contains(body, "<svn:baseline-relative-path></svn:baseline-relative-path>") {
		t.Fatalf("expected empty baseline-relative-path at root, body: %s", body)
	}
	if strings.Contains(body, "HTTP/1.1") {
		t.Fatalf("status text must not contain HTTP/1.1: %s", body)
	}
}

func TestMkactivityPutMergeCommitsAndServesFile(t *testing.T) {
	h, r := newTestHandler(t)

	rec := doRequest(t, h, "MKACTIVITY", "/svn/!svn/act/A1", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("MKACTIVITY: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "PUT", "/svn/!svn/wrk/A1/README.md", "Hello", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	proppatchBody := `<?xml version="1.0" encoding="utf-8"?>
<D:propertyupdate xmlns:D="DAV:" xmlns:svn="svn:">
  <D:set><D:prop><svn:log>init</svn:log></D:prop></D:set>
</D:propertyupdate>`
	rec = doRequest(t, h, "PROPPATCH", "/svn/!svn/act/A1", proppatchBody, nil)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("PROPPATCH: expected 207, got %d: %s", rec.Code, rec.Body.String())
	}

	mergeBody := `<?xml version="1.0" encoding="utf-8"?>
<D:merge xmlns:D="DAV:"><D:source><D:href>/svn/!svn/act/A1</D:href></D:source></D:merge>`
	rec = doRequest(t, h, "MERGE", "/svn", mergeBody, map[string]string{"X-SVN-Author": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("MERGE: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "<D:version-name>1</D:version-name>") {
		t.Fatalf("expected new revision 1 in merge response: %s", rec.Body.String())
	}
	if r.CurrentRevision() != 1 {
		t.Fatalf("expected HEAD=1 after commit, got %d", r.CurrentRevision())
	}

	rec = doRequest(t, h, "GET", "/svn/README.md", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "Hello" {
		t.Fatalf("expected body %q, got %q", "Hello", rec.Body.String())
	}

	entries, err := r.Log(1, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Log(1,1): %v %v", entries, err)
	}
	if entries[0].Author != "alice" || entries[0].Message != "init" {
		t.Fatalf("unexpected log entry: %+v", entries[0])
	}
}

func TestDoubleMergeOnExhaustedActivityIsConflict(t *testing.T) {
	h, _ := newTestHandler(t)
	doRequest(t, h, "MKACTIVITY", "/svn/!svn/act/A1", "", nil)
	doRequest(t, h, "PUT", "/svn/!svn/wrk/A1/a.txt", "x", nil)

	mergeBody := `<D:merge xmlns:D="DAV:"><D:source><D:href>/svn/!svn/act/A1</D:href></D:source></D:merge>`
	rec := doRequest(t, h, "MERGE", "/svn", mergeBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first MERGE: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, "MERGE", "/svn", mergeBody, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second MERGE: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMkdirAddFileUnderDirectoryThenListDir(t *testing.T) {
	h, r := newTestHandler(t)
	doRequest(t, h, "MKACTIVITY", "/svn/!svn/act/A2", "", nil)
	doRequest(t, h, "MKCOL", "/svn/!svn/wrk/A2/src", "", nil)
	doRequest(t, h, "PUT", "/svn/!svn/wrk/A2/src/main.rs", "fn main(){}", nil)
	mergeBody := `<D:merge xmlns:D="DAV:"><D:source><D:href>/svn/!svn/act/A2</D:href></D:source></D:merge>`
	rec := doRequest(t, h, "MERGE", "/svn", mergeBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("MERGE: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	entries, err := r.ListDir(r.CurrentRevision(), "/src")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "main.rs" {
		t.Fatalf("expected [main.rs], got %v", entries)
	}

	content, _, err := r.GetFile(r.CurrentRevision(), "/src/main.rs")
	if err != nil || string(content) != "fn main(){}" {
		t.Fatalf("GetFile: %q %v", content, err)
	}
}

func TestGetOnMissingPathIsNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, "GET", "/svn/nope.txt", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLogReportReturnsLogItemsInRequestedOrder(t *testing.T) {
	h, r := newTestHandler(t)
	if _, err := r.AddFile("alice", "/a.txt", []byte("a"), false, "add a", 1000); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := r.AddFile("bob", "/b.txt", []byte("b"), false, "add b", 2000); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	reportBody := `<S:log-report xmlns:S="svn:"><S:start-revision>1</S:start-revision><S:end-revision>2</S:end-revision></S:log-report>`
	rec := doRequest(t, h, "REPORT", "/svn", reportBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("REPORT: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "add a") || !strings.Contains(body, "add b") {
		t.Fatalf("expected both log messages in body: %s", body)
	}
	if strings.Index(body, "add a") > strings.Index(body, "add b") {
		t.Fatalf("expected revision 1 before revision 2 for start 1 / end 2: %s", body)
	}
}
