package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/logging"
	"github.com/markpippins/throttler/internal/metrics"
	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/internal/search"
	"github.com/markpippins/throttler/pkg/models"
	"github.com/markpippins/throttler/pkg/protocol"
)

// sseKeepAlive is how often an idle event stream gets a comment line so
// proxies do not close it.
var sseKeepAlive = 30 * time.Second

// ─── Search ─────────────────────────────────────────────────────────────────

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("q")
	if text == "" {
		s.sendError(w, http.StatusBadRequest, "query parameter 'q' required")
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		s.sendError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	depth, err := queryInt(r, "depth", 0)
	if err != nil || depth < 0 {
		s.sendError(w, http.StatusBadRequest, "invalid depth")
		return
	}

	res, err := s.search.Search(r.Context(), search.Query{
		Root:       q.Get("path"),
		Text:       text,
		Type:       q.Get("type"),
		ShowHidden: queryBool(r, "hidden"),
		Limit:      limit,
		MaxDepth:   depth,
	})
	if err != nil {
		s.sendOpError(w, r, "search", err)
		return
	}
	metrics.RecordSearch(res.Elapsed, len(res.Entries))

	results := res.Entries
	if results == nil {
		results = []*models.Entry{}
	}
	s.sendJSON(w, http.StatusOK, protocol.SearchResponse{
		Query:     text,
		Root:      res.Root,
		Results:   results,
		Truncated: res.Truncated,
		Elapsed:   res.Elapsed.String(),
	})
}

// ─── Thumbnails ─────────────────────────────────────────────────────────────

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	size, err := queryInt(r, "size", 0)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid size")
		return
	}

	data, err := s.thumbs.Thumbnail(r.Context(), pathParam(r), size)
	if err != nil {
		s.sendOpError(w, r, "thumbnail", err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}

// ─── Trash ──────────────────────────────────────────────────────────────────

func (s *Server) handleTrashList(w http.ResponseWriter, r *http.Request) {
	items, err := s.trash.List(r.Context())
	if err != nil {
		s.sendOpError(w, r, "trash list", err)
		return
	}
	if items == nil {
		items = []*models.TrashItem{}
	}
	s.sendJSON(w, http.StatusOK, protocol.TrashListResponse{Items: items})
}

func (s *Server) handleTrashItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.trash.Get(r.PathValue("id"))
	if err != nil {
		s.sendOpError(w, r, "trash item", err)
		return
	}
	s.sendJSON(w, http.StatusOK, item)
}

func (s *Server) handleTrashRestore(w http.ResponseWriter, r *http.Request) {
	var req protocol.TrashRestoreRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		s.sendError(w, http.StatusBadRequest, "id required")
		return
	}

	item, err := s.trash.Restore(r.Context(), req.ID, req.Overwrite)
	metrics.RecordFileOp("restore", err == nil)
	if err != nil {
		s.sendOpError(w, r, "restore", err)
		return
	}

	s.publishEvent(events.Event{Type: protocol.EventCreate, Path: item.OriginalPath, IsDir: item.IsDir, Size: item.Size})
	logging.Info("file restored from trash",
		zap.String("id", item.ID),
		logging.Path(item.OriginalPath))
	s.sendJSON(w, http.StatusOK, item)
}

func (s *Server) handleTrashPurge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.trash.Purge(r.Context(), id); err != nil {
		s.sendOpError(w, r, "purge", err)
		return
	}
	metrics.RecordTrashPurged(1)
	logging.Info("trash item purged", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrashEmpty(w http.ResponseWriter, r *http.Request) {
	n, err := s.trash.Empty(r.Context())
	metrics.RecordTrashPurged(n)
	if err != nil {
		s.sendOpError(w, r, "empty trash", err)
		return
	}
	logging.Info("trash emptied", zap.Int("purged", n))
	s.sendJSON(w, http.StatusOK, protocol.TrashEmptyResponse{Purged: n})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

// handleEvents streams change events at or below the optional "path" query
// parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	prefix := "/"
	if p := r.URL.Query().Get("path"); p != "" {
		v, err := sandbox.Clean(p)
		if err != nil {
			s.sendOpError(w, r, "events", err)
			return
		}
		prefix = v
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	sub := s.broadcaster.Subscribe(prefix)
	defer s.broadcaster.Unsubscribe(sub)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
