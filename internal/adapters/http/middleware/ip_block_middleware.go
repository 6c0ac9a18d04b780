// Package middleware disponibiliza middlewares HTTP específicos da aplicação.
package middleware

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
	"github.com/JeanGrijp/ipblock/internal/metrics"
)

const blockedMessage = "access from your IP address has been blocked"

// NewIPBlockMiddleware runs the guard before and after the wrapped handler.
// Up to maxBodyBytes of the body are inspected and then handed on unchanged.
func NewIPBlockMiddleware(guard ports.IPGuard, maxBodyBytes int64, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if guard == nil {
				next.ServeHTTP(w, r)
				return
			}

			desc := describeRequest(r, maxBodyBytes, logger)

			decision, err := guard.Admit(r.Context(), desc)
			if err != nil {
				if domain.IsBlockedError(err) {
					metrics.IncRejected()
					logger.Info("request_rejected", "ip", decision.IP, "reason", decision.Reason, "path", desc.Path)
					writeBlocked(w, guard.ResponseStatus())
					return
				}
				logger.Error("ip_guard_failed", "error", err)
			}

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if decision.AllowListed {
				return
			}
			guard.RegisterRequestResponse(context.WithoutCancel(r.Context()), desc, recorder.statusCode)
		})
	}
}

func describeRequest(r *http.Request, maxBodyBytes int64, logger *slog.Logger) domain.RequestDescriptor {
	desc := domain.RequestDescriptor{
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-Ip"),
		Method:       r.Method,
		Path:         r.URL.Path,
		Query:        r.URL.RawQuery,
		UserAgent:    r.UserAgent(),
	}

	if maxBodyBytes <= 0 || r.Body == nil || r.Body == http.NoBody {
		return desc
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Debug("request_body_read_failed", "error", err)
	}
	desc.Body = head
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	return desc
}

// replayBody puts the inspected prefix back in front of the unread body.
type replayBody struct {
	io.Reader
	io.Closer
}

func writeBlocked(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(blockedMessage))
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.headerWritten {
		r.statusCode = code
		r.headerWritten = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.statusCode = http.StatusOK
		r.headerWritten = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
