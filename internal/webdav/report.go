package webdav

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
	"github.com/hazelnut-vcs/svnbridge/internal/txn"
)

// --- log-report ---

type logReportRequest struct {
	XMLName       xml.Name `xml:"log-report"`
	StartRevision int64    `xml:"start-revision"`
	EndRevision   int64    `xml:"end-revision"`
	Limit         int      `xml:"limit"`
	Paths         []string `xml:"path"`
}

// --- update-report ---

type updateReportRequest struct {
	XMLName        xml.Name `xml:"update-report"`
	SrcPath        string   `xml:"src-path"`
	TargetRevision int64    `xml:"target-revision"`
	Entry          struct {
		Rev uint64 `xml:"rev,attr"`
	} `xml:"entry"`
	Depth        string `xml:"depth"`
	RecursiveTag *struct{} `xml:"recursive"`
}

// --- get-locations ---

type getLocationsRequest struct {
	XMLName        xml.Name `xml:"get-locations"`
	Path           string   `xml:"path"`
	PegRevision    uint64   `xml:"peg-revision"`
	LocationRevs   []uint64 `xml:"location-revision"`
}

// --- dated-rev-report ---

type datedRevRequest struct {
	XMLName xml.Name `xml:"dated-rev-report"`
	Date    string   `xml:"creationdate"`
}

// --- get-file-revs ---

type getFileRevsRequest struct {
	XMLName    xml.Name `xml:"get-file-revs"`
	Path       string   `xml:"path"`
	StartRev   int64    `xml:"start-revision"`
	EndRev     int64    `xml:"end-revision"`
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request, res resource) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return apierr.New(apierr.BadRequest, "unreadable REPORT body: %v", err)
	}
	root := rootElementName(body)

	switch root {
	case "log-report":
		return h.reportLog(w, body)
	case "update-report":
		return h.reportUpdate(w, res, body)
	case "get-locations":
		return h.reportGetLocations(w, body)
	case "dated-rev-report":
		return h.reportDatedRev(w, body)
	case "get-file-revs-report", "get-file-revs":
		return h.reportGetFileRevs(w, body)
	default:
		return apierr.New(apierr.BadRequest, "unsupported REPORT %q", root)
	}
}

func rootElementName(body []byte) string {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

func (h *Handler) reportLog(w http.ResponseWriter, body []byte) error {
	var req logReportRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return apierr.New(apierr.BadRequest, "malformed log-report: %v", err)
	}
	start := uint64(req.StartRevision)
	end := uint64(req.EndRevision)
	if req.EndRevision < 0 {
		end = h.repo.CurrentRevision()
	}
	if req.StartRevision < 0 {
		start = h.repo.CurrentRevision()
	}
	descending := start > end
	entries, err := h.repo.Log(minU64(start, end), maxU64(start, end))
	if err != nil {
		return err
	}
	if descending {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	items := make([]logItemXML, 0, len(entries))
	for _, e := range entries {
		ops, _ := h.repo.OpLog(e.Revision)
		items = append(items, logItemXML{
			VersionName: strconv.FormatUint(e.Revision, 10),
			Creator:     e.Author,
			Date:        isoDate(e.Timestamp),
			Comment:     e.Message,
			Paths:       logPathsFromOps(ops),
		})
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, werr := io.WriteString(w, renderLogReport(items))
	return werr
}

// logPathsFromOps renders the per-path change list of a log-item using
// the SVN dump-style action letters (A/M/D) real clients expect.
func logPathsFromOps(ops []txn.Op) []logPathXML {
	out := make([]logPathXML, 0, len(ops))
	for _, op := range ops {
		action := ""
		switch op.Kind {
		case txn.OpAdd, txn.OpMkdir, txn.OpCopy:
			action = "A"
		case txn.OpModify:
			action = "M"
		case txn.OpDelete:
			action = "D"
		default:
			continue
		}
		out = append(out, logPathXML{Action: action, Text: op.Path})
	}
	return out
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func (h *Handler) reportUpdate(w http.ResponseWriter, res resource, body []byte) error {
	var req updateReportRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return apierr.New(apierr.BadRequest, "malformed update-report: %v", err)
	}
	targetRev := uint64(req.TargetRevision)
	if req.TargetRevision <= 0 {
		targetRev = h.repo.CurrentRevision()
	}
	srcPath := req.SrcPath
	if srcPath == "" {
		srcPath = res.path
	}
	if srcPath == "" {
		srcPath = "/"
	}

	var b strings.Builder
	if err := h.writeEditorDrive(&b, targetRev, srcPath); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, werr := io.WriteString(w, renderUpdateReport(targetRev, b.String()))
	return werr
}

// writeEditorDrive reconstructs the state of srcPath at targetRev as an
// "open-directory"/"add-file"/"add-directory" editor drive, per spec.md
// §4.8's update-report. This server always treats the client's reported
// base as empty (a full checkout), which is correct and sufficient for
// the end-to-end scenarios of spec.md §8; an incremental update that
// diffs against the client's reported <entry rev> is a possible later
// enhancement, not required for a conforming checkout/export.
func (h *Handler) writeEditorDrive(b *strings.Builder, rev uint64, path string) error {
	t, err := h.resolveAt(rev, path)
	if err != nil {
		return err
	}
	if !t.isDir {
		return h.writeAddFile(b, t)
	}
	fmt.Fprintf(b, `<S:open-directory rev="%d">`, rev)
	if err := h.writeDirContents(b, t); err != nil {
		return err
	}
	b.WriteString(`<S:prop/></S:open-directory>`)
	return nil
}

func (h *Handler) writeDirContents(b *strings.Builder, t target) error {
	entries, err := h.repo.ListDir(t.rev, t.path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childPath := joinPath(t.path, e.Name)
		if e.Kind == objects.KindTree {
			fmt.Fprintf(b, `<S:add-directory name="%s" bc-url="%s">`, xmlEscape(e.Name), bcHref(h.prefix, t.rev, childPath))
			child := target{rev: t.rev, path: childPath, isDir: true, id: e.Id}
			if err := h.writeDirContents(b, child); err != nil {
				return err
			}
			b.WriteString(`<S:prop/></S:add-directory>`)
		} else {
			child := target{rev: t.rev, path: childPath, isDir: false, id: e.Id}
			if err := h.writeAddFile(b, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) writeAddFile(b *strings.Builder, t target) error {
	_, executable, err := h.repo.GetFile(t.rev, t.path)
	if err != nil {
		return err
	}
	name := leafOf(t.path)
	fmt.Fprintf(b, `<S:add-file name="%s" bc-url="%s">`, xmlEscape(name), verHref(h.prefix, t.rev, t.path))
	b.WriteString(`<S:prop>`)
	if executable {
		b.WriteString(`<svn:executable>*</svn:executable>`)
	}
	b.WriteString(`</S:prop></S:add-file>`)
	return nil
}

// --- get-locations ---

func (h *Handler) reportGetLocations(w http.ResponseWriter, body []byte) error {
	var req getLocationsRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return apierr.New(apierr.BadRequest, "malformed get-locations: %v", err)
	}
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<S:get-locations-report xmlns:S="svn:" xmlns:D="DAV:">`)
	for _, rev := range req.LocationRevs {
		if h.repo.Exists(rev, req.Path) {
			fmt.Fprintf(&b, `<S:location rev="%d" path="%s"/>`, rev, xmlEscape(req.Path))
		}
	}
	b.WriteString(`</S:get-locations-report>`)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := io.WriteString(w, b.String())
	return err
}

// --- dated-rev-report ---

func (h *Handler) reportDatedRev(w http.ResponseWriter, body []byte) error {
	// Without a secondary date->revision index, scan the revision log for
	// the youngest revision whose date does not exceed the requested one
	// (HEAD when the request carries no parsable date); repositories in this server's scale
	// (spec.md's budget) make a linear scan acceptable.
	rev := h.repo.CurrentRevision()
	var req datedRevRequest
	if xml.Unmarshal(body, &req) == nil {
		if when, err := time.Parse(time.RFC3339Nano, req.Date); err == nil {
			entries, _ := h.repo.Log(0, rev)
			rev = 0
			for _, e := range entries {
				if e.Timestamp <= when.Unix() {
					rev = e.Revision
				}
			}
		}
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := fmt.Fprintf(w, xmlHeader+`<S:dated-rev-report xmlns:S="svn:" xmlns:D="DAV:"><D:version-name>%d</D:version-name></S:dated-rev-report>`, rev)
	return err
}

// --- get-file-revs ---

func (h *Handler) reportGetFileRevs(w http.ResponseWriter, body []byte) error {
	var req getFileRevsRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return apierr.New(apierr.BadRequest, "malformed get-file-revs: %v", err)
	}
	start := uint64(req.StartRev)
	end := uint64(req.EndRev)
	if req.EndRev <= 0 {
		end = h.repo.CurrentRevision()
	}
	entries, err := h.repo.Log(start, end)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<S:get-file-revs-report xmlns:S="svn:" xmlns:D="DAV:">`)
	for _, e := range entries {
		if !h.repo.Exists(e.Revision, req.Path) {
			continue
		}
		fmt.Fprintf(&b, `<S:file-rev path="%s" rev="%d"/>`, xmlEscape(req.Path), e.Revision)
	}
	b.WriteString(`</S:get-file-revs-report>`)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, werr := io.WriteString(w, b.String())
	return werr
}

