// Package api serves the REST query surface next to the chat WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/metorial/chatops/internal/models"
	"github.com/metorial/chatops/internal/registry"
	"github.com/metorial/chatops/internal/sysinfo"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 1000
	defaultRoom         = "general"
)

type Store interface {
	Ping(ctx context.Context) error
	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	TaskCounts(ctx context.Context) (map[models.TaskStatus]int, error)
}

type Scripts interface {
	Register(ctx context.Context, name, path, description, pattern string) (*models.Script, error)
	ListActive(ctx context.Context) ([]models.Script, error)
	Get(ctx context.Context, name string) (*models.Script, error)
	Deactivate(ctx context.Context, name string) error
}

type Tasks interface {
	GetTask(ctx context.Context, id int64) (*models.Task, error)
}

type Identity interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

type HostStats interface {
	Collect(ctx context.Context) (*sysinfo.Snapshot, error)
}

// RoomCounter reports live WebSocket rooms. It may be nil.
type RoomCounter interface {
	Rooms() int
}

type API struct {
	store    Store
	scripts  Scripts
	tasks    Tasks
	identity Identity
	host     HostStats
	rooms    RoomCounter
	version  string
	logger   *zap.Logger
}

func NewAPI(store Store, scripts Scripts, tasks Tasks, identity Identity, host HostStats, rooms RoomCounter, version string, logger *zap.Logger) *API {
	return &API{
		store:    store,
		scripts:  scripts,
		tasks:    tasks,
		identity: identity,
		host:     host,
		rooms:    rooms,
		version:  version,
		logger:   logger.Named("api"),
	}
}

func (api *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/{$}", api.handleRoot)
	mux.HandleFunc("/api/v1/messages", api.handleMessages)
	mux.HandleFunc("/api/v1/scripts", api.handleScripts)
	mux.HandleFunc("/api/v1/scripts/", api.handleScript)
	mux.HandleFunc("/api/v1/tasks/", api.handleTask)
	mux.HandleFunc("/api/v1/stats", api.handleStats)
	mux.HandleFunc("/api/v1/health", api.handleHealth)
}

// Handler wraps next with CORS for origins and OpenTelemetry HTTP
// instrumentation.
func Handler(next http.Handler, origins []string) http.Handler {
	return otelhttp.NewHandler(withCORS(next, origins), "chatops-api")
}

func (api *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"name":        "chatops",
		"version":     api.version,
		"description": "Trigger server scripts from chat",
	})
}

func (api *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.listMessages(w, r)
	case http.MethodPost:
		api.createMessage(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *API) listMessages(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room_id")
	if room == "" {
		room = defaultRoom
	}

	limit := defaultMessageLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 || l > maxMessageLimit {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = l
	}

	messages, err := api.store.ListMessages(r.Context(), room, limit)
	if err != nil {
		api.logger.Error("Error listing messages", zap.String("room", room), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

func (api *API) createMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		RoomID  string `json:"room_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Content == "" {
		http.Error(w, "Content is required", http.StatusBadRequest)
		return
	}
	if req.RoomID == "" {
		req.RoomID = defaultRoom
	}

	user, err := api.identity.Resolve(r.Context(), requestToken(r))
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	msg := &models.Message{
		Content:   req.Content,
		IsCommand: strings.HasPrefix(req.Content, "/"),
		AuthorID:  user.ID,
		RoomID:    req.RoomID,
		Author:    user,
	}
	if err := api.store.CreateMessage(r.Context(), msg); err != nil {
		api.logger.Error("Error creating message", zap.Error(err))
		http.Error(w, "Failed to create message", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusCreated, msg)
}

func (api *API) handleScripts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.getScripts(w, r)
	case http.MethodPost:
		api.createScript(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *API) getScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := api.scripts.ListActive(r.Context())
	if err != nil {
		api.logger.Error("Error getting scripts", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if scripts == nil {
		scripts = []models.Script{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scripts": scripts,
		"count":   len(scripts),
	})
}

func (api *API) createScript(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		Path           string `json:"path"`
		Description    string `json:"description"`
		CommandPattern string `json:"command_pattern"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	script, err := api.scripts.Register(r.Context(), req.Name, req.Path, req.Description, req.CommandPattern)
	switch {
	case errors.Is(err, registry.ErrInvalidScript):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, registry.ErrDuplicateName), errors.Is(err, registry.ErrDuplicatePattern):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		api.logger.Error("Error registering script", zap.String("name", req.Name), zap.Error(err))
		http.Error(w, "Failed to register script", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusCreated, script)
}

func (api *API) handleScript(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/scripts/")
	if name == "" {
		http.Error(w, "Script name required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		api.getScript(w, r, name)
	case http.MethodDelete:
		api.deactivateScript(w, r, name)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *API) getScript(w http.ResponseWriter, r *http.Request, name string) {
	script, err := api.scripts.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "Script not found", http.StatusNotFound)
			return
		}
		api.logger.Error("Error getting script", zap.String("name", name), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, script)
}

func (api *API) deactivateScript(w http.ResponseWriter, r *http.Request, name string) {
	if err := api.scripts.Deactivate(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "Script not found", http.StatusNotFound)
			return
		}
		api.logger.Error("Error deactivating script", zap.String("name", name), zap.Error(err))
		http.Error(w, "Failed to deactivate script", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Script deactivated successfully",
	})
}

func (api *API) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	task, err := api.tasks.GetTask(r.Context(), id)
	if err != nil {
		api.logger.Error("Error getting task", zap.Int64("task_id", id), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, task)
}

func (api *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := api.store.TaskCounts(r.Context())
	if err != nil {
		api.logger.Error("Error getting task counts", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	scripts, err := api.scripts.ListActive(r.Context())
	if err != nil {
		api.logger.Error("Error getting scripts", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	stats := map[string]interface{}{
		"tasks":          counts,
		"active_scripts": len(scripts),
	}
	if api.rooms != nil {
		stats["active_rooms"] = api.rooms.Rooms()
	}

	if api.host != nil {
		snap, err := api.host.Collect(r.Context())
		if err != nil {
			api.logger.Warn("Error collecting host stats", zap.Error(err))
		} else {
			stats["host"] = snap
		}
	}

	respondJSON(w, http.StatusOK, stats)
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := api.store.Ping(r.Context()); err != nil {
		http.Error(w, "Database unhealthy: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"database": "connected",
	})
}

// requestToken reads the caller's identity token from a bearer header or
// the token query parameter.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("Error encoding JSON response", zap.Error(err))
	}
}

func withCORS(next http.Handler, origins []string) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
