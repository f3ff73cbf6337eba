package middleware

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/valmatov/edgeproxy/internal/observability"
)

// timeoutGracePeriod is how long to wait for the handler goroutine after
// the deadline fires.
const timeoutGracePeriod = 100 * time.Millisecond

// Timeout returns a middleware that bounds request handling time and
// answers 504 when the deadline expires. WebSocket upgrades bypass the
// timeout since relay connections are long lived.
func Timeout(timeout time.Duration, logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			r = r.WithContext(ctx)
			done := make(chan struct{})

			tw := &timeoutWriter{
				ResponseWriter: w,
				ctx:            ctx,
			}

			go func() {
				defer func() {
					if rec := recover(); rec != nil {
						logger.Error("panic in timeout handler",
							observability.String("path", r.URL.Path),
							observability.Any("panic", rec),
						)
					}
					close(done)
				}()

				next.ServeHTTP(tw, r)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				tw.mu.Lock()
				needsResponse := !tw.written
				tw.timedOut = true
				tw.mu.Unlock()

				if needsResponse {
					logger.Warn("request timeout",
						observability.String("path", r.URL.Path),
						observability.String("method", r.Method),
						observability.Duration("timeout", timeout),
					)

					w.Header().Set(HeaderContentType, ContentTypeJSON)
					w.WriteHeader(http.StatusGatewayTimeout)
					_, _ = io.WriteString(w, ErrGatewayTimeout)
				}

				// Give the handler a moment to observe cancellation.
				select {
				case <-done:
				case <-time.After(timeoutGracePeriod):
				}
			}
		})
	}
}

// timeoutWriter blocks writes after the deadline so the handler goroutine
// cannot race the 504 response.
type timeoutWriter struct {
	http.ResponseWriter
	ctx      context.Context
	mu       sync.Mutex
	written  bool
	timedOut bool
}

// WriteHeader tracks that the response has started.
func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	if tw.timedOut {
		tw.mu.Unlock()
		return
	}
	tw.written = true
	tw.mu.Unlock()
	tw.ResponseWriter.WriteHeader(code)
}

// Write tracks that the response has started.
func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if tw.timedOut {
		tw.mu.Unlock()
		return 0, tw.ctx.Err()
	}
	tw.written = true
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher.
func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	if tw.timedOut {
		tw.mu.Unlock()
		return
	}
	tw.mu.Unlock()
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
