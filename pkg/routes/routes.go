package routes

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/phone-presence-server/pkg/broadcast"
	"github.com/kabili207/phone-presence-server/pkg/calls"
	"github.com/kabili207/phone-presence-server/pkg/config"
	"github.com/kabili207/phone-presence-server/pkg/extensions"
	"github.com/kabili207/phone-presence-server/pkg/forwarding"
	"github.com/kabili207/phone-presence-server/pkg/models"
	"github.com/kabili207/phone-presence-server/pkg/presence"
	"github.com/kabili207/phone-presence-server/pkg/zoom"
)

// ExtensionSource builds the dashboard view of the roster.
type ExtensionSource interface {
	List(ctx context.Context) ([]models.Extension, error)
	Details(ctx context.Context, id string, kind models.ExtensionType) (models.Extension, error)
}

// ConnectionChecker reports whether the upstream credentials work.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) error
}

// Database is the durable view used by the debug endpoints.
type Database interface {
	AllUserData(ctx context.Context) ([]models.UserData, error)
	Ping(ctx context.Context) error
}

type ForwardingStatus interface {
	Status() forwarding.Status
}

// WebRouter serves the HTTP API. Database and Forwarding are optional.
type WebRouter struct {
	Config     config.Configuration
	Webhook    http.Handler
	Hub        *broadcast.Hub
	Presence   *presence.Store
	Calls      *calls.Store
	Extensions ExtensionSource
	Upstream   ConnectionChecker
	Database   Database
	Forwarding ForwardingStatus
	Logger     *slog.Logger
}

func (wr *WebRouter) log() *slog.Logger {
	if wr.Logger == nil {
		return slog.Default()
	}
	return wr.Logger
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]any{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, status, body)
}

// Handler builds the router with its middleware chain.
func (wr *WebRouter) Handler() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	r.Handle("/api/zoom/webhook", wr.Webhook).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/api/webhook", wr.Webhook).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/api/events", wr.eventsSSE).Methods(http.MethodGet)
	r.HandleFunc("/api/events/ws", wr.eventsWS).Methods(http.MethodGet)

	r.HandleFunc("/api/zoom/extensions/poll", wr.pollExtensions).Methods(http.MethodGet)
	r.HandleFunc("/api/zoom/extensions", wr.pollExtensions).Methods(http.MethodGet)
	r.HandleFunc("/api/extensions/{id}", wr.extensionDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/zoom/extension/{id}", wr.extensionDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/zoom/status", wr.upstreamStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/debug/storage", wr.debugStorage).Methods(http.MethodGet)
	r.HandleFunc("/api/debug/calls", wr.debugCalls).Methods(http.MethodGet)
	r.HandleFunc("/api/debug/database", wr.debugDatabase).Methods(http.MethodGet)
	r.HandleFunc("/api/debug/events", wr.debugEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/debug/env", wr.debugEnv).Methods(http.MethodGet)

	r.HandleFunc("/api/test-presence-update", wr.testPresenceUpdate).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/tasks/sync-database", wr.syncDatabase).Methods(http.MethodPost)
	r.HandleFunc("/api/forwarding/status", wr.getForwardingStatus).Methods(http.MethodGet)

	r.HandleFunc("/healthz", wr.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Use(handlers.ProxyHeaders)
	r.Use(wr.RequestLogger)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Last-Event-ID"}),
	)
	recovery := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return recovery(cors(r))
}

// Serve listens on the configured address until ctx is done, then drains
// in-flight requests.
func (wr *WebRouter) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              wr.Config.ListenAddr,
		Handler:           wr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		wr.log().Info("http server listening", "address", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (wr *WebRouter) RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		wr.log().Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func (wr *WebRouter) pollExtensions(w http.ResponseWriter, r *http.Request) {
	exts, err := wr.Extensions.List(r.Context())
	if err != nil {
		wr.log().Error("roster poll failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   "Failed to fetch extensions",
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"extensions": exts,
		"count":      len(exts),
		"timestamp":  stamp(),
	})
}

func (wr *WebRouter) extensionDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	kind := models.ExtensionType(r.URL.Query().Get("type"))
	if kind == "" {
		kind = models.ExtensionUser
	}

	ext, err := wr.Extensions.Details(r.Context(), id, kind)
	switch {
	case errors.Is(err, extensions.ErrUnknownType):
		writeError(w, http.StatusBadRequest, "Unknown extension type", err)
		return
	case err != nil:
		wr.log().Error("fetching extension details", "id", id, "type", kind, "error", err)
		status := http.StatusBadGateway
		var ue *zoom.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, "Failed to fetch extension details", err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (wr *WebRouter) upstreamStatus(w http.ResponseWriter, r *http.Request) {
	if err := wr.Upstream.CheckConnection(r.Context()); err != nil {
		wr.log().Warn("upstream connection check failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"connected": false,
			"error":     err.Error(),
			"timestamp": stamp(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"timestamp": stamp(),
	})
}

func (wr *WebRouter) debugStorage(w http.ResponseWriter, r *http.Request) {
	pres := wr.Presence.GetAllPresence()
	msgs := wr.Presence.GetAllStatusMessages()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":           wr.Presence.Stats(),
		"presence_data":   map[string]any{"count": len(pres), "data": pres},
		"status_messages": map[string]any{"count": len(msgs), "data": msgs},
		"timestamp":       stamp(),
	})
}

func (wr *WebRouter) debugCalls(w http.ResponseWriter, r *http.Request) {
	active := wr.Calls.GetAllActiveCalls()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     wr.Calls.Stats(),
		"calls":     active,
		"count":     len(active),
		"timestamp": stamp(),
	})
}

func (wr *WebRouter) debugDatabase(w http.ResponseWriter, r *http.Request) {
	if wr.Database == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"configured": false,
			"timestamp":  stamp(),
		})
		return
	}
	if err := wr.Database.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
		return
	}
	rows, err := wr.Database.AllUserData(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read database", err)
		return
	}
	withPresence, withMessage := 0, 0
	for _, row := range rows {
		if row.PresenceStatus != nil {
			withPresence++
		}
		if row.StatusMessage != nil {
			withMessage++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured":       true,
		"count":            len(rows),
		"presence_rows":    withPresence,
		"status_msg_rows":  withMessage,
		"data":             rows,
		"memory_queue_len": wr.Presence.QueueLength(),
		"timestamp":        stamp(),
	})
}

func (wr *WebRouter) debugEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hub":       wr.Hub.Stats(),
		"timestamp": stamp(),
	})
}

func (wr *WebRouter) debugEnv(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wr.Config.Summary())
}

type testPresenceRequest struct {
	UserID         string `json:"userId"`
	PresenceStatus string `json:"presenceStatus"`
}

func (wr *WebRouter) testPresenceUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Send a POST request to test presence updates",
			"example": testPresenceRequest{UserID: "user-id", PresenceStatus: string(models.PresenceAvailable)},
		})
		return
	}

	var req testPresenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" || req.PresenceStatus == "" {
		writeError(w, http.StatusBadRequest, "Missing userId or presenceStatus", nil)
		return
	}

	env := wr.Hub.Publish(broadcast.PresenceUpdate(req.UserID, models.PresenceStatus(req.PresenceStatus), nil, time.Now()))
	wr.log().Info("published test presence update", "user_id", req.UserID, "presence_status", req.PresenceStatus, "sequence", env.Sequence)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Test presence update sent",
		"data":      env,
		"timestamp": stamp(),
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (wr *WebRouter) syncDatabase(w http.ResponseWriter, r *http.Request) {
	if wr.Config.Tasks.Token == "" {
		writeError(w, http.StatusNotFound, "Task endpoint disabled", nil)
		return
	}
	if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(wr.Config.Tasks.Token)) != 1 {
		writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	before := wr.Presence.Stats()
	written, err := wr.Presence.Flush(r.Context())
	if errors.Is(err, presence.ErrNoDurableStore) {
		writeError(w, http.StatusConflict, "No database configured", err)
		return
	}
	if err != nil {
		wr.log().Error("database sync failed", "written", written, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to sync database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Database sync complete",
		"written": written,
		"stats": map[string]any{
			"before": before,
			"after":  wr.Presence.Stats(),
		},
		"timestamp": stamp(),
	})
}

func (wr *WebRouter) getForwardingStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"enabled": wr.Forwarding != nil}
	if wr.Forwarding != nil {
		resp["target"] = wr.Forwarding.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (wr *WebRouter) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": stamp()})
}
