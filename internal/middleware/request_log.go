package middleware

import (
	"net/http"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLog logs every request with its status and duration and turns a
// handler panic into a 500.
func RequestLog(logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.NewLogger("HTTP")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Handler panicked", "method", r.Method, "path", r.URL.Path, "panic", p)
					utils.RespondWithError(rec, http.StatusInternalServerError, "Internal server error")
				}
				logger.Debug("Request served",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
