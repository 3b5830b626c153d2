// Package api — HTTP-поверхность поверх реестров: CRUD серверов и пиров,
// выдача конфигов, self-registration и поллинг деплой-задач.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"wgfleet/internal/deploy"
	"wgfleet/internal/healthmon"
	"wgfleet/internal/models"
	"wgfleet/internal/registry"
	"wgfleet/internal/render/ros"
	"wgfleet/internal/repo"
	"wgfleet/internal/settings"
	"wgfleet/internal/tokens"

	"github.com/gorilla/mux"
)

type Handler struct {
	servers  *registry.ServerRegistry
	peers    *registry.PeerRegistry
	tokens   *tokens.Service
	jobs     *deploy.Queue
	monitor  *healthmon.Monitor
	connlogs *repo.ConnLogStore
	settings *settings.Service
}

func NewHandler(servers *registry.ServerRegistry, peers *registry.PeerRegistry, tok *tokens.Service,
	jobs *deploy.Queue, monitor *healthmon.Monitor, connlogs *repo.ConnLogStore, set *settings.Service) *Handler {
	return &Handler{
		servers: servers, peers: peers, tokens: tok,
		jobs: jobs, monitor: monitor, connlogs: connlogs, settings: set,
	}
}

func pathID(r *http.Request) (uint, bool) {
	n, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(n), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "malformed JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

// --- servers ---

func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	out, err := h.servers.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var in registry.ServerInput
	if !decode(w, r, &in) {
		return
	}
	srv, err := h.servers.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, srv)
}

func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	srv, err := h.servers.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, srv)
}

func (h *Handler) UpdateServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	var in registry.ServerInput
	if !decode(w, r, &in) {
		return
	}
	srv, warn, err := h.servers.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, mutationResponse{Server: srv, DeployWarning: warn})
}

func (h *Handler) RegenerateServerKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	srv, warn, err := h.servers.RegenerateKeys(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, mutationResponse{Server: srv, DeployWarning: warn})
}

func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	warn, err := h.servers.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, mutationResponse{DeployWarning: warn})
}

// mutationResponse: результат мутации плюс advisory-предупреждение деплоя.
// Деплойный сбой никогда не делает ответ не-2xx.
type mutationResponse struct {
	Server        *models.Server `json:"server,omitempty"`
	Peer          *models.Peer   `json:"peer,omitempty"`
	DeployWarning string         `json:"deploy_warning,omitempty"`
}

// --- peers ---

func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	out, err := h.peers.ListByServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) CreatePeer(w http.ResponseWriter, r *http.Request) {
	var in registry.PeerInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.peers.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	p, err := h.peers.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePeer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	var in registry.PeerUpdateInput
	if !decode(w, r, &in) {
		return
	}
	p, warn, err := h.peers.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, mutationResponse{Peer: p, DeployWarning: warn})
}

func (h *Handler) EnablePeer(w http.ResponseWriter, r *http.Request) {
	h.setPeerStatus(w, r, true)
}

func (h *Handler) DisablePeer(w http.ResponseWriter, r *http.Request) {
	h.setPeerStatus(w, r, false)
}

func (h *Handler) setPeerStatus(w http.ResponseWriter, r *http.Request, enable bool) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	var (
		p    *models.Peer
		warn string
		err  error
	)
	if enable {
		p, warn, err = h.peers.Enable(r.Context(), id)
	} else {
		p, warn, err = h.peers.Disable(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, mutationResponse{Peer: p, DeployWarning: warn})
}

func (h *Handler) DeletePeer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	warn, err := h.peers.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, mutationResponse{DeployWarning: warn})
}

func (h *Handler) RegeneratePeerToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	var body struct {
		TTL string `json:"ttl,omitempty"`
	}
	if r.ContentLength > 0 && !decode(w, r, &body) {
		return
	}
	var ttl time.Duration
	if body.TTL != "" {
		d, err := time.ParseDuration(body.TTL)
		if err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid ttl: "+err.Error(), nil)
			return
		}
		ttl = d
	}
	res, err := h.peers.RegenerateToken(r.Context(), id, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

// --- артефакты ---

// PeerConfig отдаёт полный туннельный конфиг файлом <peer>.conf.
func (h *Handler) PeerConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	p, err := h.peers.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	conf, err := h.peers.TunnelConfig(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ros.Slug(p.Name)+`.conf"`)
	_, _ = w.Write([]byte(conf))
}

// PeerScript отдаёт RouterOS-скрипт файлом <peer>.rsc.
func (h *Handler) PeerScript(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	p, err := h.peers.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := h.peers.RouterScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ros.Slug(p.Name)+`.rsc"`)
	_, _ = w.Write([]byte(script))
}

func (h *Handler) PeerConnections(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	if _, err := h.peers.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	logsOut, err := h.connlogs.ListByPeer(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, logsOut)
}

// --- self-registration ---

// Register — неаутентифицированный вход устройств: {token, public_key} →
// [Peer]-фрагмент. Токен одноразовый, ошибки маппятся на 401/400.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token     string `json:"token"`
		PublicKey string `json:"public_key"`
	}
	if !decode(w, r, &req) {
		return
	}
	_, fragment, err := h.tokens.Redeem(r.Context(), req.Token, req.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(fragment))
}

// --- задачи ---

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "bad request", "invalid id", nil)
		return
	}
	var req struct {
		Kind string `json:"kind"`
	}
	if !decode(w, r, &req) {
		return
	}
	j, err := h.jobs.Submit(r.Context(), id, req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusAccepted, j)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Status(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, j)
}

// --- мониторинг и настройки ---

func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	models.WriteJSON(w, http.StatusOK, h.monitor.Alerts())
}

func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	v, ok := h.settings.Get(r.Context(), key)
	if !ok {
		models.WriteProblem(w, http.StatusNotFound, "not found", "setting "+key+" is not set", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, models.Setting{Key: key, Value: v})
}

func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req struct {
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.settings.Set(r.Context(), key, req.Value); err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, models.Setting{Key: key, Value: req.Value})
}
