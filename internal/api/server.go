// Package api provides the HTTP server and handlers.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/markpippins/throttler/internal/auth"
	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/logging"
	"github.com/markpippins/throttler/internal/metrics"
	"github.com/markpippins/throttler/internal/ratelimit"
	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/internal/search"
	"github.com/markpippins/throttler/internal/thumbs"
	"github.com/markpippins/throttler/internal/trash"
	"github.com/markpippins/throttler/pkg/protocol"
)

// Version is reported by /health.
const Version = "1.0"

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// Pool gzip writers to reduce allocations on tree endpoints.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Deps bundles the services the server exposes. Trash, Thumbs, Auth and
// Limiter may be nil to disable the feature.
type Deps struct {
	Store       *fsops.Store
	Trash       *trash.Bin
	Search      *search.Searcher
	Thumbs      *thumbs.Service
	Broadcaster *events.Broadcaster
	Auth        *auth.Auth
	Limiter     *ratelimit.Limiter
}

// Options configure request handling.
type Options struct {
	MaxUploadSize int64
	ReadOnly      bool
	CORSOrigins   []string
}

// Server is the HTTP server.
type Server struct {
	store       *fsops.Store
	trash       *trash.Bin
	search      *search.Searcher
	thumbs      *thumbs.Service
	broadcaster *events.Broadcaster
	auth        *auth.Auth
	limiter     *ratelimit.Limiter

	maxUploadSize int64
	readOnly      bool
	corsOrigins   []string
}

// NewServer creates a new server.
func NewServer(deps Deps, opts Options) *Server {
	s := &Server{
		store:         deps.Store,
		trash:         deps.Trash,
		search:        deps.Search,
		thumbs:        deps.Thumbs,
		broadcaster:   deps.Broadcaster,
		auth:          deps.Auth,
		limiter:       deps.Limiter,
		maxUploadSize: opts.MaxUploadSize,
		readOnly:      opts.ReadOnly,
		corsOrigins:   opts.CORSOrigins,
	}
	if s.search == nil {
		s.search = search.New(s.store, 1, 0)
	}
	if s.broadcaster == nil {
		s.broadcaster = events.NewBroadcaster()
	}
	return s
}

// Handler returns the HTTP handler with logging, CORS, auth, rate limiting
// and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.auth != nil {
		mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)
	}

	// Read endpoints
	mux.HandleFunc("GET /api/v1/list/{path...}", s.handleList)
	mux.HandleFunc("GET /api/v1/tree/{path...}", s.handleTree)
	mux.HandleFunc("GET /api/v1/stat/{path...}", s.handleStat)
	mux.HandleFunc("GET /api/v1/content/{path...}", s.handleContent)
	mux.HandleFunc("GET /api/v1/disk", s.handleDisk)
	mux.HandleFunc("GET /api/v1/search", s.handleSearch)
	if s.thumbs != nil {
		mux.HandleFunc("GET /api/v1/thumb/{path...}", s.handleThumb)
	}

	// Write endpoints
	mux.HandleFunc("POST /api/v1/content/{path...}", s.writable(s.handleUpload))
	mux.HandleFunc("PUT /api/v1/tree/{path...}", s.writable(s.handleCreate))
	mux.HandleFunc("DELETE /api/v1/tree/{path...}", s.writable(s.handleDelete))
	mux.HandleFunc("POST /api/v1/rename", s.writable(s.handleRename))
	mux.HandleFunc("POST /api/v1/move", s.writable(s.handleMove))
	mux.HandleFunc("POST /api/v1/copy", s.writable(s.handleCopy))

	// Bulk operation endpoints
	mux.HandleFunc("POST /api/v1/bulk/move", s.writable(s.handleBulkMove))
	mux.HandleFunc("POST /api/v1/bulk/copy", s.writable(s.handleBulkCopy))
	mux.HandleFunc("POST /api/v1/bulk/delete", s.writable(s.handleBulkDelete))

	// Trash endpoints
	if s.trash != nil {
		mux.HandleFunc("GET /api/v1/trash", s.handleTrashList)
		mux.HandleFunc("GET /api/v1/trash/{id}", s.handleTrashItem)
		mux.HandleFunc("POST /api/v1/trash/restore", s.writable(s.handleTrashRestore))
		mux.HandleFunc("DELETE /api/v1/trash/{id}", s.writable(s.handleTrashPurge))
		mux.HandleFunc("DELETE /api/v1/trash", s.writable(s.handleTrashEmpty))
	}

	// SSE endpoint
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// The metrics middleware must see the request the mux routed.
	var h http.Handler = metrics.Middleware(mux)
	h = ratelimit.Middleware(s.limiter, rateLimitKey)(h)
	if s.auth != nil {
		h = s.auth.Middleware(h)
	}
	h = s.cors(h)
	return logging.Middleware(h)
}

// rateLimitKey buckets authenticated requests per user and the rest per IP.
func rateLimitKey(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return "ip:" + ratelimit.ClientIP(r)
}

// writable rejects requests when the server runs read-only.
func (s *Server) writable(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.readOnly {
			s.sendError(w, http.StatusForbidden, "server is read-only")
			return
		}
		h(w, r)
	}
}

// cors answers preflight requests and sets CORS headers for allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	if len(s.corsOrigins) == 0 {
		return next
	}
	wildcard := slices.Contains(s.corsOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !(wildcard || slices.Contains(s.corsOrigins, origin)) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Content-Disposition, X-Request-ID, Retry-After")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Range, X-Request-ID")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Version: Version})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// publishEvent publishes an API-originated change.
func (s *Server) publishEvent(e events.Event) {
	if s.broadcaster == nil {
		return
	}
	e.Source = protocol.SourceAPI
	s.broadcaster.Publish(e)
}

// pathParam returns the {path...} wildcard as a client path.
func pathParam(r *http.Request) string {
	return "/" + r.PathValue("path")
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrOutsideRoot),
		errors.Is(err, sandbox.ErrSymlink),
		errors.Is(err, fsops.ErrReserved):
		return http.StatusForbidden
	case errors.Is(err, fsops.ErrNotFound),
		errors.Is(err, trash.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fsops.ErrExists),
		errors.Is(err, trash.ErrExists):
		return http.StatusConflict
	case errors.Is(err, fsops.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, thumbs.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, sandbox.ErrInvalidPath),
		errors.Is(err, sandbox.ErrInvalidName),
		errors.Is(err, fsops.ErrNotDir),
		errors.Is(err, fsops.ErrIsDir),
		errors.Is(err, fsops.ErrIntoSelf),
		errors.Is(err, fsops.ErrRootOp),
		errors.Is(err, fsops.ErrInvalidPolicy),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, search.ErrBadPattern),
		errors.Is(err, search.ErrBadType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// sendOpError reports a failed operation, logging unexpected failures.
func (s *Server) sendOpError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, msg := opError(r, op, err)
	s.sendError(w, code, msg)
}

// opError maps err to a status and a client-safe message. Unexpected
// failures are logged and reported only as "<op> failed", since their text
// can carry host paths.
func opError(r *http.Request, op string, err error) (int, string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error(op+" failed", zap.Error(err))
		return code, op + " failed"
	}
	return code, err.Error()
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// sendJSONMaybeGzip encodes v, gzip-compressed when the client accepts it.
func (s *Server) sendJSONMaybeGzip(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if !acceptsGzip(r) {
		json.NewEncoder(w).Encode(v)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(w)
	json.NewEncoder(gw).Encode(v)
	gw.Close()
	gzipPool.Put(gw)
}

// errRangeUnsatisfiable is returned for ranges that start past the end.
var errRangeUnsatisfiable = errors.New("range not satisfiable")

// parseRangeHeader parses a single "bytes=a-b" range. Malformed headers are
// ignored and the whole file is served.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool, err error) {
	if rangeHeader == "" {
		return 0, totalSize, false, nil
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil || (matches[1] == "" && matches[2] == "") {
		return 0, totalSize, false, nil
	}

	startStr, endStr := matches[1], matches[2]

	if startStr == "" {
		suffix, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || suffix == 0 || totalSize == 0 {
			return 0, 0, false, errRangeUnsatisfiable
		}
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		return offset, totalSize - offset, true, nil
	}

	offset, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil {
		return 0, totalSize, false, nil
	}
	if offset >= totalSize {
		return 0, 0, false, errRangeUnsatisfiable
	}

	end := totalSize - 1
	if endStr != "" {
		e, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || e < offset {
			return 0, totalSize, false, nil
		}
		if e < end {
			end = e
		}
	}
	return offset, end - offset + 1, true, nil
}
