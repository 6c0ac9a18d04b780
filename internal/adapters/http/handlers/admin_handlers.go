package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
)

// AdminHandler expõe a API de gerenciamento manual de bloqueios.
type AdminHandler struct {
	admin  ports.BlockAdmin
	token  string
	logger *slog.Logger
}

func NewAdminHandler(admin ports.BlockAdmin, token string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{admin: admin, token: token, logger: logger}
}

// Routes returns the /admin/blocks router. Every route requires the bearer token.
func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireToken)
	r.Get("/", h.listBlocks)
	r.Post("/", h.createBlock)
	r.Get("/{ip}", h.getBlock)
	r.Delete("/{ip}", h.deleteBlock)
	return r
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

type blockStatus struct {
	IP          string `json:"ip"`
	Blocked     bool   `json:"blocked"`
	AllowListed bool   `json:"allow_listed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) listBlocks(w http.ResponseWriter, r *http.Request) {
	entries, err := h.admin.BlockedEntries(r.Context())
	if err != nil {
		h.logger.Error("admin_list_failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "block storage unavailable"})
		return
	}
	if entries == nil {
		entries = []domain.BlockEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *AdminHandler) createBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	entry, err := h.admin.BlockIP(r.Context(), req.IP, req.Reason, domain.SourceAPI)
	switch {
	case errors.Is(err, domain.ErrInvalidIP):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrAllowListed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		h.logger.Error("admin_block_failed", "ip", req.IP, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "block recorded locally but not persisted"})
	default:
		writeJSON(w, http.StatusCreated, entry)
	}
}

func (h *AdminHandler) getBlock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	ctx := r.Context()

	status := blockStatus{
		IP:          ip,
		AllowListed: h.admin.IsAllowListedIP(ip),
		Blocked:     h.admin.IsBlockedIP(ctx, ip),
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *AdminHandler) deleteBlock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	err := h.admin.UnblockIP(r.Context(), ip)
	switch {
	case errors.Is(err, domain.ErrInvalidIP):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		h.logger.Error("admin_unblock_failed", "ip", ip, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "block storage unavailable"})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Health reports liveness for load balancers.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
