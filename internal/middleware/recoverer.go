package middleware

import (
	"net/http"
	"runtime/debug"

	"wgfleet/internal/logs"
	"wgfleet/internal/models"
)

// Recoverer гасит панику обработчика: стек в лог, клиенту — problem+json 500
// с reqid, по которому панику можно найти в логах.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			id := ReqID(r)
			logs.Logger.Errorf("panic: %v reqid=%s %s %s\n%s",
				rec, id, r.Method, r.RequestURI, debug.Stack())
			models.WriteProblem(w, http.StatusInternalServerError,
				"Internal Server Error",
				"unexpected server error", map[string]any{"reqid": id})
		}()
		next.ServeHTTP(w, r)
	})
}
