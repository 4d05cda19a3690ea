// Package httpapi exposes the relay's REST surface: usage reads for peers
// and dashboards, cache resets for the control plane, and HTTP publishing
// for backends that do not hold a socket open.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/streamrelay/streamrelay/internal/config"
	"github.com/streamrelay/streamrelay/internal/entity"
	"github.com/streamrelay/streamrelay/internal/gateway"
	"github.com/streamrelay/streamrelay/internal/usage"
)

// maxEmitBodyBytes caps an /emit-message request body (4 MiB). Larger
// payloads belong on the socket.
const maxEmitBodyBytes = 4 << 20

// API carries the handlers' shared dependencies.
type API struct {
	store         *entity.Store
	ledger        *usage.Ledger
	gw            *gateway.Gateway
	adminPassword config.RedactedString
	logger        *slog.Logger
}

// New creates the REST API.
func New(store *entity.Store, ledger *usage.Ledger, gw *gateway.Gateway, adminPassword config.RedactedString, logger *slog.Logger) *API {
	return &API{
		store:         store,
		ledger:        ledger,
		gw:            gw,
		adminPassword: adminPassword,
		logger:        logger.With("component", "httpapi"),
	}
}

// Register attaches the API routes to the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", a.handlePing)
	mux.HandleFunc("GET /get-server/{id}", a.handleGetServer)
	mux.HandleFunc("POST /reset-server-cache/{id}", a.handleResetServerCache)
	mux.HandleFunc("POST /reset-user-cache/{email}", a.handleResetUserCache)
	mux.HandleFunc("POST /emit-message", a.handleEmitMessage)
}

func (a *API) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successful ping"})
}

// authorizeServer resolves the path's server and checks the Authorization
// header against its password. Unknown server and wrong password produce the
// same 401, so the endpoint cannot be used to enumerate server ids.
func (a *API) authorizeServer(w http.ResponseWriter, r *http.Request) (*entity.Server, bool) {
	srv, err := a.store.Server(r.Context(), r.PathValue("id"))
	if err != nil {
		if !errors.Is(err, entity.ErrNotFound) {
			a.logger.Error("server lookup failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(srv.Password)) != 1 {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return nil, false
	}
	return srv, true
}

// handleGetServer returns a server's usage counters. Peer regions call this
// during aggregation; the response keeps the envelope shape their decoders
// expect.
func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.authorizeServer(w, r)
	if !ok {
		return
	}

	u, err := a.ledger.Read(r.Context(), srv.ID)
	if err != nil {
		a.logger.Error("usage read failed", "server", srv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ID     string      `json:"id"`
		Region string      `json:"region"`
		Usage  usage.Usage `json:"usage"`
	}{ID: srv.ID, Region: srv.Region, Usage: u})
}

func (a *API) handleResetServerCache(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.authorizeServer(w, r)
	if !ok {
		return
	}
	a.store.ResetServer(srv.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleResetUserCache evicts a user document. Guarded by the admin password
// because user documents have no credential of their own.
func (a *API) handleResetUserCache(w http.ResponseWriter, r *http.Request) {
	if a.adminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(a.adminPassword.Value())) != 1 {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	a.store.ResetUser(r.PathValue("email"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type emitRequest struct {
	ServerID string          `json:"id"`
	Password string          `json:"password"`
	Channel  string          `json:"channel"`
	Event    string          `json:"event"`
	Message  json.RawMessage `json:"message"`
}

// handleEmitMessage publishes over HTTP with server-password auth.
func (a *API) handleEmitMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEmitBodyBytes)

	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := a.gw.Emit(r.Context(), req.ServerID, req.Password, req.Channel, req.Event, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
		case errors.Is(err, gateway.ErrServiceDisabled):
			writeError(w, http.StatusBadRequest, "Service disabled")
		case errors.Is(err, gateway.ErrMessageTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
		case errors.Is(err, gateway.ErrInvalidParams):
			writeError(w, http.StatusUnprocessableEntity, "Invalid parameters")
		default:
			a.logger.Error("emit failed", "server", req.ServerID, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// CORS allows browser dashboards on tenant domains to call the REST surface.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
