package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID принимает клиентский X-Request-Id либо выдаёт новый UUID;
// идентификатор кладётся в контекст и дублируется в ответ.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// ReqID — идентификатор запроса из контекста, пустая строка вне middleware.
func ReqID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
