package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const oauthStateTTL = 10 * time.Minute

// CodeExchanger completes the authorization-code grant.
type CodeExchanger interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*TokenResponse, error)
}

// OAuthHandler serves the connect and callback endpoints that create a
// tenant's credential.
type OAuthHandler struct {
	oauth   CodeExchanger
	store   Store
	manager *Manager
	states  *redis.Client
	logger  *logging.Logger
	now     func() time.Time
}

// NewOAuthHandler creates the OAuth HTTP handler. CSRF states live in Redis so
// any API replica can complete the callback.
func NewOAuthHandler(oauth CodeExchanger, store Store, manager *Manager, states *redis.Client, logger *logging.Logger) *OAuthHandler {
	if oauth == nil || store == nil || states == nil {
		panic("credentials: oauth handler dependencies required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OAuthHandler{oauth: oauth, store: store, manager: manager, states: states, logger: logger, now: time.Now}
}

// Routes returns the public callback route.
func (h *OAuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/callback", h.HandleCallback)
	return r
}

// AdminRoutes returns routes that require admin authentication.
func (h *OAuthHandler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenantID}/calendar/connect", h.HandleConnect)
	r.Get("/{tenantID}/calendar/status", h.HandleStatus)
	return r
}

func stateKey(state string) string {
	return fmt.Sprintf("oauth:state:%s", state)
}

// HandleConnect redirects the practice admin to the provider consent page.
// GET /admin/tenants/{tenantID}/calendar/connect
func (h *OAuthHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant_id required")
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		h.logger.Error("failed to generate oauth state", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	state := hex.EncodeToString(buf)
	if err := h.states.Set(r.Context(), stateKey(state), tenantID, oauthStateTTL).Err(); err != nil {
		h.logger.Error("failed to store oauth state", "tenant_id", tenantID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("initiating calendar oauth", "tenant_id", tenantID)
	http.Redirect(w, r, h.oauth.AuthorizationURL(state), http.StatusFound)
}

// HandleCallback exchanges the code and stores the credential.
// GET /oauth/callback?code=...&state=...
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Warn("calendar oauth denied", "error", providerErr, "description", q.Get("error_description"))
		writeJSONError(w, http.StatusBadRequest, providerErr)
		return
	}
	code, state := strings.TrimSpace(q.Get("code")), strings.TrimSpace(q.Get("state"))
	if code == "" || state == "" {
		writeJSONError(w, http.StatusBadRequest, "missing code or state")
		return
	}

	tenantID, err := h.states.GetDel(r.Context(), stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		writeJSONError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	if err != nil {
		h.logger.Error("failed to read oauth state", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	tr, err := h.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Error("calendar token exchange failed", "tenant_id", tenantID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "token exchange failed")
		return
	}

	cred := &Credential{
		TenantID:     tenantID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    h.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Status:       StatusActive,
	}
	if err := h.store.Save(r.Context(), cred); err != nil {
		h.logger.Error("failed to save calendar credential", "tenant_id", tenantID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to save credentials")
		return
	}
	if h.manager != nil {
		h.manager.Forget(tenantID)
	}

	h.logger.Info("calendar oauth completed", "tenant_id", tenantID, "location_id", tr.LocationID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"tenant_id":   tenantID,
		"location_id": tr.LocationID,
		"expires_at":  cred.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// HandleStatus reports whether the tenant's credential is usable.
// GET /admin/tenants/{tenantID}/calendar/status
func (h *OAuthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	cred, err := h.store.Get(r.Context(), tenantID)
	if errors.Is(err, ErrNoCredential) {
		writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "connected": false})
		return
	}
	if err != nil {
		h.logger.Error("failed to load calendar credential", "tenant_id", tenantID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"connected":      cred.Status == StatusActive,
		"status":         cred.Status,
		"invalid_reason": cred.InvalidReason,
		"expires_at":     cred.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
