// Package health — liveness/readiness для оркестраторов и балансировщиков.
package health

import (
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// Register вешает /healthz (процесс жив) и /readyz (БД отвечает).
// При db == nil readiness всегда 503 — трафик на несконфигурированный
// инстанс пускать нельзя.
func Register(r *mux.Router, db *gorm.DB) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ok(w)
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := ping(req, db); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		ok(w)
	}).Methods(http.MethodGet)
}

func ping(req *http.Request, db *gorm.DB) error {
	if db == nil {
		return errNoDB
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(req.Context())
}

func ok(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type healthError string

func (e healthError) Error() string { return string(e) }

const errNoDB = healthError("database not configured")
