package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/p2pchat/internal/logger"
)

// RequestLog tags each request with an id and logs method, path and
// duration (asynchronously, never blocking the handler).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", reqID)
		start := time.Now()
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path+" req="+reqID, start)()
		next.ServeHTTP(w, r)
	})
}
