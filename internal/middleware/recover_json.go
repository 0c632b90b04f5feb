package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatroom/internal/logger"
)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RecoverJSON logs a handler panic and answers JSON 500 unless headers were already sent.
// The chi wrapper keeps http.Hijacker, so websocket upgrades pass through.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww, ok := w.(chimw.WrapResponseWriter)
		if !ok {
			ww = chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		}
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Errorf("panic recovered: %s %s: %v\n%s", r.Method, r.URL.Path, err, debug.Stack())
				if ww.Status() == 0 {
					writeJSONError(ww, http.StatusInternalServerError, "internal server error")
				}
			}
		}()
		next.ServeHTTP(ww, r)
	})
}
