package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"wgfleet/internal/logs"
)

// responseRecorder запоминает статус и объём ответа для access-лога.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// LoggerMW — access-лог: одна структурированная строка на запрос.
func LoggerMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logs.Logger.WithFields(logrus.Fields{
			"reqid":  ReqID(r),
			"method": r.Method,
			"uri":    r.RequestURI,
			"status": rec.status,
			"bytes":  rec.bytes,
			"dur":    time.Since(start).String(),
			"ip":     r.RemoteAddr,
		}).Info("http request")
	})
}
