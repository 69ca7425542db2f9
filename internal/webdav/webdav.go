package webdav

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/repo"
)

var log = logging.For("webdav")

// activityEntry binds a DeltaV activity id to the transaction it opened,
// per spec.md §4.8's "process-local map activity-id -> transaction-id".
type activityEntry struct {
	txnID     string
	createdAt time.Time
}

// Handler serves the WebDAV/DeltaV/SVN protocol surface against a single
// repository, generalized per spec.md §9 from the teacher's package-level
// "var lrepository" into a struct field threaded through the mux router —
// multiple repositories fall out from mounting one Handler per prefix.
type Handler struct {
	repo   *repo.Repository
	prefix string

	mu           sync.Mutex
	activities   map[string]*activityEntry
	pendingProps map[string]map[string]string

	// ActivityTTL bounds how long an orphaned activity's transaction
	// survives, per spec.md §4.4/§4.8.
	ActivityTTL time.Duration
}

// New builds a Handler serving r at the given mount prefix (e.g. "/svn").
func New(r *repo.Repository, prefix string) *Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "/svn"
	}
	return &Handler{
		repo:        r,
		prefix:      prefix,
		activities:  map[string]*activityEntry{},
		ActivityTTL: time.Hour,
	}
}

// Mount registers the handler's catch-all route against an existing
// gorilla/mux router, the way the teacher's server/httpd.Server wires
// its own handlers against a freshly constructed mux.NewRouter().
func (h *Handler) Mount(r *mux.Router) {
	sub := r.PathPrefix(h.prefix).Subrouter()
	sub.PathPrefix("").HandlerFunc(h.ServeHTTP).Methods(
		"OPTIONS", "PROPFIND", "PROPPATCH", "REPORT", "MKACTIVITY",
		"CHECKOUT", "PUT", "MKCOL", "DELETE", "COPY", "MOVE", "MERGE",
		"CHECKIN", "GET", "HEAD", "LOCK", "UNLOCK",
	)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawPath := strings.TrimPrefix(r.URL.Path, h.prefix)
	res, ok := parseURL(rawPath)
	if !ok {
		h.writeError(w, r, apierr.New(apierr.BadRequest, "unrecognized SVN URL %q", r.URL.Path))
		return
	}

	log.Trace("%s %s -> kind=%d path=%q id=%q rev=%d", r.Method, r.URL.Path, res.kind, res.path, res.id, res.rev)

	var err error
	switch r.Method {
	case "OPTIONS":
		err = h.handleOptions(w, r, res)
	case "PROPFIND":
		err = h.handlePropfind(w, r, res)
	case "PROPPATCH":
		err = h.handleProppatch(w, r, res)
	case "REPORT":
		err = h.handleReport(w, r, res)
	case "MKACTIVITY":
		err = h.handleMkactivity(w, r, res)
	case "CHECKOUT":
		err = h.handleCheckout(w, r, res)
	case "PUT":
		err = h.handlePut(w, r, res)
	case "MKCOL":
		err = h.handleMkcol(w, r, res)
	case "DELETE":
		err = h.handleDelete(w, r, res)
	case "COPY":
		err = h.handleCopy(w, r, res)
	case "MOVE":
		err = h.handleMove(w, r, res)
	case "MERGE":
		err = h.handleMerge(w, r, res)
	case "CHECKIN":
		err = h.handleCheckin(w, r, res)
	case "GET", "HEAD":
		err = h.handleGet(w, r, res, r.Method == "HEAD")
	case "LOCK":
		err = h.handleLock(w, r, res)
	case "UNLOCK":
		w.WriteHeader(http.StatusNoContent)
	default:
		err = apierr.New(apierr.MethodNotAllowed, "method %s not supported", r.Method)
	}

	if err != nil {
		h.writeError(w, r, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierr.KindOf(err)
	status := kind.HTTPStatus()
	log.Warn("%s %s -> %d %s", r.Method, r.URL.Path, status, err)

	if r.Method == "PROPFIND" || r.Method == "PROPPATCH" || r.Method == "REPORT" || r.Method == "MERGE" {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(status)
		w.Write([]byte(renderDAVError(err.Error())))
		return
	}
	http.Error(w, err.Error(), status)
}

// bindActivity associates an activity with the transaction it opened.
func (h *Handler) bindActivity(activityID, txnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activities[activityID] = &activityEntry{txnID: txnID, createdAt: time.Now()}
}

func (h *Handler) lookupActivity(activityID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()
	e, ok := h.activities[activityID]
	if !ok {
		return "", false
	}
	return e.txnID, true
}

func (h *Handler) forgetActivity(activityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.activities, activityID)
}

func (h *Handler) sweepLocked() {
	for id, e := range h.activities {
		if time.Since(e.createdAt) > h.ActivityTTL {
			h.repo.AbortTransaction(e.txnID)
			delete(h.activities, id)
		}
	}
}

// txnForWorkingResource resolves a !svn/wrk/<id>/... URL's activity id to
// its bound transaction, failing if the activity is unknown or expired.
func (h *Handler) txnForWorkingResource(activityID string) (string, error) {
	txnID, ok := h.lookupActivity(activityID)
	if !ok {
		return "", apierr.New(apierr.NotFound, "no such activity %s", activityID)
	}
	return txnID, nil
}
