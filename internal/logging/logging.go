// Package logging wires zap into the server: a process-wide logger with
// package-level helpers, and an HTTP middleware that tags every request with
// an ID and logs it once it completes.
package logging

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// reqInfo travels in the request context.
type reqInfo struct {
	id     string
	logger *zap.Logger
}

var global atomic.Pointer[zap.Logger]

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Init builds the process logger from cfg. Unknown levels fall back to info.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Set(logger)
	return nil
}

// Set replaces the process logger.
func Set(logger *zap.Logger) {
	global.Store(logger)
}

// L returns the process logger; a no-op logger until Init or Set is called.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// Path is the field used for sandbox (virtual) paths in every log line.
func Path(v string) zap.Field {
	return zap.String("vpath", v)
}

// WithContext returns the request-scoped logger carried by ctx, or the
// process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if info, ok := ctx.Value(ctxKey{}).(*reqInfo); ok {
		return info.logger
	}
	return L()
}

// RequestID returns the ID the middleware assigned to the request in ctx.
func RequestID(ctx context.Context) string {
	if info, ok := ctx.Value(ctxKey{}).(*reqInfo); ok {
		return info.id
	}
	return ""
}

// secretParams never reach the logs. Event streams authenticate with ?token=.
var secretParams = []string{"token", "access_token", "password"}

// redactQuery returns the raw query with secret values replaced.
func redactQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	q := u.Query()
	for _, k := range secretParams {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	return q.Encode()
}

// routePath splits an API path into its route and the sandbox path after it,
// e.g. "/api/v1/content/a/b.txt" -> ("/api/v1/content", "/a/b.txt").
func routePath(p string) (route, vpath string) {
	rest, ok := strings.CutPrefix(p, "/api/v1/")
	if !ok {
		return p, ""
	}
	name, tail, found := strings.Cut(rest, "/")
	route = "/api/v1/" + name
	switch name {
	case "list", "tree", "stat", "content", "thumb":
		if found {
			vpath = "/" + tail
		} else {
			vpath = "/"
		}
		return route, vpath
	}
	return p, ""
}

// statusWriter captures the status and size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

// Flush keeps event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware assigns a request ID (honouring a sane client-supplied
// X-Request-ID) and logs each request when it completes. Server errors are
// logged at warn, everything else at info; event streams log at debug when
// they open.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		route, vpath := routePath(r.URL.Path)
		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("route", route),
		}
		if vpath != "" {
			fields = append(fields, Path(vpath))
		}
		if q := redactQuery(r.URL); q != "" {
			fields = append(fields, zap.String("query", q))
		}
		logger := L().With(fields...)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, &reqInfo{id: id, logger: logger}))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if route == "/api/v1/events" {
			logger.Debug("event stream opened", zap.String("remote_addr", r.RemoteAddr))
		}

		next.ServeHTTP(sw, r)

		done := []zap.Field{
			zap.Int("status", sw.status),
			zap.Int64("size", sw.size),
			zap.Duration("duration", time.Since(start)),
		}
		if sw.status >= 500 {
			logger.Warn("request failed", done...)
			return
		}
		logger.Info("request completed", done...)
	})
}
