package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/logging"
	"github.com/markpippins/throttler/internal/metrics"
	"github.com/markpippins/throttler/pkg/models"
	"github.com/markpippins/throttler/pkg/protocol"
)

// ─── List / Stat / Tree ─────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := fsops.ListOptions{
		ShowHidden: queryBool(r, "hidden"),
		SortBy:     q.Get("sort"),
		Desc:       strings.EqualFold(q.Get("order"), "desc"),
	}
	switch opts.SortBy {
	case "", "name", "size", "mtime", "type":
	default:
		s.sendError(w, http.StatusBadRequest, "sort must be one of name, size, mtime, type")
		return
	}

	entries, err := s.store.List(r.Context(), pathParam(r), opts)
	if err != nil {
		s.sendOpError(w, r, "list", err)
		return
	}
	if entries == nil {
		entries = []*models.Entry{}
	}

	v, _ := s.store.Resolve(pathParam(r))
	s.sendJSON(w, http.StatusOK, protocol.ListResponse{Path: v, Entries: entries})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Stat(r.Context(), pathParam(r))
	if err != nil {
		s.sendOpError(w, r, "stat", err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth", 1)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid depth")
		return
	}

	root, err := s.store.Tree(r.Context(), pathParam(r), depth, queryBool(r, "hidden"))
	if err != nil {
		s.sendOpError(w, r, "tree", err)
		return
	}
	s.sendJSONMaybeGzip(w, r, protocol.TreeResponse{Root: root})
}

func (s *Server) handleDisk(w http.ResponseWriter, r *http.Request) {
	total, free, err := s.store.DiskUsage(r.Context())
	if err != nil {
		s.sendOpError(w, r, "disk usage", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.DiskUsageResponse{
		Total: total,
		Free:  free,
		Used:  total - free,
	})
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	f, e, err := s.store.Open(r.Context(), pathParam(r))
	if err != nil {
		metrics.RecordContentDownload(0, false)
		s.sendOpError(w, r, "read", err)
		return
	}
	defer f.Close()

	totalSize := e.Size
	etag := fmt.Sprintf(`"%x-%x"`, e.ModTime.UnixNano(), totalSize)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", e.ModTime.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	ct := e.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if queryBool(r, "download") {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": e.Name}))
	}

	offset, length, hasRange, err := parseRangeHeader(r.Header.Get("Range"), totalSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	if hasRange {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			s.sendOpError(w, r, "read", err)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, totalSize))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(totalSize, 10))
		w.WriteHeader(http.StatusOK)
	}
	if r.Method == http.MethodHead {
		return
	}

	n, err := io.CopyN(w, f, length)
	if err == io.EOF {
		// File shrank while streaming.
		err = nil
	}
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error", zap.Error(err))
	}
	metrics.RecordContentDownload(n, err == nil)
}

// ─── Upload ─────────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	e, created, err := s.store.Write(r.Context(), pathParam(r), r.Body, fsops.WriteOptions{
		Overwrite: queryBool(r, "overwrite"),
		MaxSize:   s.maxUploadSize,
	})
	if err != nil {
		metrics.RecordContentUpload(0, false)
		s.sendOpError(w, r, "upload", err)
		return
	}
	metrics.RecordContentUpload(e.Size, true)

	eventType := protocol.EventModify
	code := http.StatusOK
	if created {
		eventType = protocol.EventCreate
		code = http.StatusCreated
	}
	s.publishEvent(events.Event{Type: eventType, Path: e.Path, Size: e.Size})

	logging.WithContext(r.Context()).Info("file uploaded",
		logging.Path(e.Path),
		zap.Int64("size", e.Size),
		zap.Bool("created", created),
		zap.Duration("duration", time.Since(start)))

	s.sendJSON(w, code, e)
}

// ─── Create / Delete ────────────────────────────────────────────────────────

// handleCreate creates a directory (type=dir, the default) or an empty file
// (type=file).
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var (
		e   *models.Entry
		err error
	)
	switch r.URL.Query().Get("type") {
	case "", "dir", "directory":
		e, err = s.store.Mkdir(r.Context(), pathParam(r), queryBool(r, "parents"))
		metrics.RecordFileOp("mkdir", err == nil)
	case "file":
		e, _, err = s.store.Write(r.Context(), pathParam(r), strings.NewReader(""), fsops.WriteOptions{})
		metrics.RecordFileOp("create", err == nil)
	default:
		s.sendError(w, http.StatusBadRequest, "type must be dir or file")
		return
	}
	if err != nil {
		s.sendOpError(w, r, "create", err)
		return
	}

	s.publishEvent(events.Event{Type: protocol.EventCreate, Path: e.Path, IsDir: e.IsDir()})
	logging.Info("created", logging.Path(e.Path), zap.String("type", e.Type))
	s.sendJSON(w, http.StatusCreated, e)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	resp, err := s.delete(r, pathParam(r), queryBool(r, "permanent"))
	if err != nil {
		s.sendOpError(w, r, "delete", err)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// delete removes one path, publishing the event. Shared by the bulk handler.
func (s *Server) delete(r *http.Request, raw string, permanent bool) (*protocol.DeleteResponse, error) {
	e, err := s.store.Stat(r.Context(), raw)
	if err != nil {
		metrics.RecordFileOp("delete", false)
		return nil, err
	}
	item, err := s.store.Delete(r.Context(), raw, permanent)
	metrics.RecordFileOp("delete", err == nil)
	if err != nil {
		return nil, err
	}

	resp := &protocol.DeleteResponse{Path: e.Path}
	if item != nil {
		resp.Trashed = true
		resp.TrashID = item.ID
	}
	s.publishEvent(events.Event{Type: protocol.EventDelete, Path: e.Path, IsDir: e.IsDir()})
	logging.Info("deleted", logging.Path(e.Path), zap.Bool("trashed", resp.Trashed))
	return resp, nil
}

// ─── Rename / Move / Copy ───────────────────────────────────────────────────

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenameRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" || req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "path and name required")
		return
	}

	from, err := s.store.Resolve(req.Path)
	if err != nil {
		s.sendOpError(w, r, "rename", err)
		return
	}
	e, err := s.store.Rename(r.Context(), from, req.Name)
	metrics.RecordFileOp("rename", err == nil)
	if err != nil {
		s.sendOpError(w, r, "rename", err)
		return
	}

	s.publishEvent(events.Event{Type: protocol.EventMove, Path: e.Path, From: from, IsDir: e.IsDir()})
	logging.Info("renamed", zap.String("from", from), zap.String("to", e.Path))
	s.sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, "move")
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, "copy")
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, op string) {
	var req protocol.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" || req.To == "" {
		s.sendError(w, http.StatusBadRequest, "from and to required")
		return
	}
	policy, err := fsops.ParseConflict(req.OnConflict)
	if err != nil {
		s.sendOpError(w, r, op, err)
		return
	}

	e, err := s.transfer(r, op, req.From, req.To, policy)
	if err != nil {
		s.sendOpError(w, r, op, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

// transfer moves or copies one item and publishes the resulting event.
func (s *Server) transfer(r *http.Request, op, rawFrom, to string, policy fsops.Conflict) (*models.Entry, error) {
	from, err := s.store.Resolve(rawFrom)
	if err != nil {
		return nil, err
	}

	var e *models.Entry
	if op == "move" {
		e, err = s.store.Move(r.Context(), from, to, policy)
	} else {
		e, err = s.store.Copy(r.Context(), from, to, policy)
	}
	metrics.RecordFileOp(op, err == nil)
	if err != nil {
		return nil, err
	}

	if op == "move" {
		if e.Path != from {
			s.publishEvent(events.Event{Type: protocol.EventMove, Path: e.Path, From: from, IsDir: e.IsDir()})
		}
	} else {
		s.publishEvent(events.Event{Type: protocol.EventCreate, Path: e.Path, IsDir: e.IsDir(), Size: e.Size})
	}
	logging.Info(op+" completed", zap.String("from", from), zap.String("to", e.Path))
	return e, nil
}

// ─── Bulk ───────────────────────────────────────────────────────────────────

func (s *Server) handleBulkMove(w http.ResponseWriter, r *http.Request) {
	s.handleBulkTransfer(w, r, "move")
}

func (s *Server) handleBulkCopy(w http.ResponseWriter, r *http.Request) {
	s.handleBulkTransfer(w, r, "copy")
}

func (s *Server) handleBulkTransfer(w http.ResponseWriter, r *http.Request, op string) {
	var req protocol.BulkTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 || req.Destination == "" {
		s.sendError(w, http.StatusBadRequest, "paths and destination required")
		return
	}
	policy, err := fsops.ParseConflict(req.OnConflict)
	if err != nil {
		s.sendOpError(w, r, op, err)
		return
	}

	// Items always go into the destination, so it must be a directory;
	// transfers onto an existing directory land inside it.
	dest, err := s.store.Stat(r.Context(), req.Destination)
	if err != nil {
		s.sendOpError(w, r, op, err)
		return
	}
	if !dest.IsDir() {
		s.sendError(w, http.StatusBadRequest, dest.Path+": "+fsops.ErrNotDir.Error())
		return
	}

	resp := protocol.BulkResponse{}
	for _, p := range req.Paths {
		if err := r.Context().Err(); err != nil {
			return
		}
		if _, err := s.transfer(r, op, p, dest.Path, policy); err != nil {
			_, msg := opError(r, op, err)
			resp.Failed++
			resp.Errors = append(resp.Errors, p+": "+msg)
			continue
		}
		resp.Succeeded++
	}

	logging.Info("bulk "+op+" completed",
		zap.Int("succeeded", resp.Succeeded),
		zap.Int("failed", resp.Failed))
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.BulkDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		s.sendError(w, http.StatusBadRequest, "paths required")
		return
	}

	resp := protocol.BulkResponse{}
	for _, p := range req.Paths {
		if err := r.Context().Err(); err != nil {
			return
		}
		if _, err := s.delete(r, p, req.Permanent); err != nil {
			_, msg := opError(r, "delete", err)
			resp.Failed++
			resp.Errors = append(resp.Errors, p+": "+msg)
			continue
		}
		resp.Succeeded++
	}

	logging.Info("bulk delete completed",
		zap.Int("succeeded", resp.Succeeded),
		zap.Int("failed", resp.Failed))
	s.sendJSON(w, http.StatusOK, resp)
}
