package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes вешает API на роутер. Всё под /api/v1 закрыто shared-secret
// аутентификацией; /register открыт — устройства приходят только с токеном.
func RegisterRoutes(r *mux.Router, sharedSecret string, h *Handler) {
	r.HandleFunc("/register", h.Register).Methods(http.MethodPost)

	sub := r.PathPrefix("/api/v1").Subrouter()
	sub.Use(sharedSecretAuth(sharedSecret))

	sub.HandleFunc("/servers", h.ListServers).Methods(http.MethodGet)
	sub.HandleFunc("/servers", h.CreateServer).Methods(http.MethodPost)
	sub.HandleFunc("/servers/{id:[0-9]+}", h.GetServer).Methods(http.MethodGet)
	sub.HandleFunc("/servers/{id:[0-9]+}", h.UpdateServer).Methods(http.MethodPut)
	sub.HandleFunc("/servers/{id:[0-9]+}", h.DeleteServer).Methods(http.MethodDelete)
	sub.HandleFunc("/servers/{id:[0-9]+}/regenerate-keys", h.RegenerateServerKeys).Methods(http.MethodPost)
	sub.HandleFunc("/servers/{id:[0-9]+}/peers", h.ListPeers).Methods(http.MethodGet)
	sub.HandleFunc("/servers/{id:[0-9]+}/jobs", h.SubmitJob).Methods(http.MethodPost)

	sub.HandleFunc("/peers", h.CreatePeer).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.GetPeer).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.UpdatePeer).Methods(http.MethodPut)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.DeletePeer).Methods(http.MethodDelete)
	sub.HandleFunc("/peers/{id:[0-9]+}/enable", h.EnablePeer).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}/disable", h.DisablePeer).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}/regenerate-token", h.RegeneratePeerToken).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}/config", h.PeerConfig).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{id:[0-9]+}/script", h.PeerScript).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{id:[0-9]+}/connections", h.PeerConnections).Methods(http.MethodGet)

	sub.HandleFunc("/jobs/{uuid:[a-fA-F0-9\\-]{36}}", h.GetJob).Methods(http.MethodGet)
	sub.HandleFunc("/alerts", h.Alerts).Methods(http.MethodGet)
	sub.HandleFunc("/settings/{key}", h.GetSetting).Methods(http.MethodGet)
	sub.HandleFunc("/settings/{key}", h.PutSetting).Methods(http.MethodPut)
}
