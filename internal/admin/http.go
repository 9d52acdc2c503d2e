package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

// Handler 는 /api/v1/admin 프로비저닝 plane HTTP 엔드포인트를 제공합니다.
type Handler struct {
	Logger      logging.Logger
	AdminAPIKey string
	Service     ProvisioningService
}

// NewHandler 는 새로운 Handler 를 생성합니다.
func NewHandler(logger logging.Logger, adminAPIKey string, svc ProvisioningService) *Handler {
	return &Handler{
		Logger:      logger.With(logging.Fields{"component": "admin_api"}),
		AdminAPIKey: strings.TrimSpace(adminAPIKey),
		Service:     svc,
	}
}

// RegisterRoutes 는 전달받은 router 에 관리 API 라우트를 등록합니다.
//   - POST   /api/v1/admin/users
//   - POST   /api/v1/admin/users/{username}/activation
//   - PUT    /api/v1/admin/users/{username}/endpoints
//   - DELETE /api/v1/admin/users/{username}/endpoints?path=...
//   - POST   /api/v1/admin/users/{username}/permission-groups
//   - POST   /api/v1/admin/permission-groups/{groupID}/access-keys
//   - POST   /api/v1/admin/access-keys/{keyID}/revoke
//   - GET    /api/v1/admin/access-keys/{keyID}
func (h *Handler) RegisterRoutes(r *mux.Router) {
	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(h.authMiddleware)

	admin.HandleFunc("/users", h.handleCreateUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{username}/activation", h.handleSetActivation).Methods(http.MethodPost)
	admin.HandleFunc("/users/{username}/endpoints", h.handleUpsertEndpoint).Methods(http.MethodPut)
	admin.HandleFunc("/users/{username}/endpoints", h.handleDeleteEndpoint).Methods(http.MethodDelete)
	admin.HandleFunc("/users/{username}/permission-groups", h.handleCreateGroup).Methods(http.MethodPost)
	admin.HandleFunc("/permission-groups/{groupID}/access-keys", h.handleIssueKey).Methods(http.MethodPost)
	admin.HandleFunc("/access-keys/{keyID}/revoke", h.handleRevokeKey).Methods(http.MethodPost)
	admin.HandleFunc("/access-keys/{keyID}", h.handleGetKey).Methods(http.MethodGet)
}

// authMiddleware 는 Authorization: Bearer {ADMIN_API_KEY} 헤더를 검증합니다.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.AdminAPIKey == "" {
		// Admin API 키가 설정되지 않았다면 모든 요청을 거부
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminAPIKey)) == 1
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type userResponse struct {
	Success bool        `json:"success"`
	User    *store.User `json:"user,omitempty"`
}

type endpointResponse struct {
	Success  bool            `json:"success"`
	Endpoint *store.Endpoint `json:"endpoint,omitempty"`
}

type groupResponse struct {
	Success bool                   `json:"success"`
	Group   *store.PermissionGroup `json:"permissionGroup,omitempty"`
}

// accessKeyView 는 응답용 access key 표현입니다. 평문 키는 발급 시에만 Key 로 실립니다.
type accessKeyView struct {
	*store.AccessKey
	Key       string `json:"key,omitempty"`
	KeyMasked string `json:"keyMasked,omitempty"`
}

type accessKeyResponse struct {
	Success   bool           `json:"success"`
	AccessKey *accessKeyView `json:"accessKey,omitempty"`
}

type createUserRequest struct {
	Username  string `json:"username"`
	Activated bool   `json:"activated"`
}

type activationRequest struct {
	Activated bool `json:"activated"`
}

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type issueKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.Service.CreateUser(r.Context(), req.Username, req.Activated)
	if err != nil {
		h.writeServiceError(w, "failed to create user", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, userResponse{Success: true, User: u})
}

func (h *Handler) handleSetActivation(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.Service.SetUserActivation(r.Context(), mux.Vars(r)["username"], req.Activated)
	if err != nil {
		h.writeServiceError(w, "failed to set user activation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, userResponse{Success: true, User: u})
}

func (h *Handler) handleUpsertEndpoint(w http.ResponseWriter, r *http.Request) {
	var req EndpointInput
	if !h.decode(w, r, &req) {
		return
	}
	ep, err := h.Service.UpsertEndpoint(r.Context(), mux.Vars(r)["username"], req)
	if err != nil {
		h.writeServiceError(w, "failed to save endpoint", err)
		return
	}
	h.writeJSON(w, http.StatusOK, endpointResponse{Success: true, Endpoint: ep})
}

func (h *Handler) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	path, err := normalizeEndpointPath(r.URL.Query().Get("path"))
	if err != nil {
		h.writeServiceError(w, "invalid endpoint path", err)
		return
	}
	if err := h.Service.DeleteEndpoint(r.Context(), mux.Vars(r)["username"], path); err != nil {
		h.writeServiceError(w, "failed to delete endpoint", err)
		return
	}
	h.writeJSON(w, http.StatusOK, errorResponse{Success: true})
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.Service.CreatePermissionGroup(r.Context(), mux.Vars(r)["username"], req.Name, req.Description)
	if err != nil {
		h.writeServiceError(w, "failed to create permission group", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, groupResponse{Success: true, Group: g})
}

func (h *Handler) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	k, value, err := h.Service.IssueAccessKey(r.Context(), mux.Vars(r)["groupID"], req.Name, req.ExpiresAt)
	if err != nil {
		h.writeServiceError(w, "failed to issue access key", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, accessKeyResponse{
		Success:   true,
		AccessKey: &accessKeyView{AccessKey: k, Key: value},
	})
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.RevokeAccessKey(r.Context(), mux.Vars(r)["keyID"]); err != nil {
		h.writeServiceError(w, "failed to revoke access key", err)
		return
	}
	h.writeJSON(w, http.StatusOK, errorResponse{Success: true})
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	k, err := h.Service.GetAccessKey(r.Context(), mux.Vars(r)["keyID"])
	if err != nil {
		h.writeServiceError(w, "failed to get access key", err)
		return
	}
	h.writeJSON(w, http.StatusOK, accessKeyResponse{
		Success:   true,
		AccessKey: &accessKeyView{AccessKey: k, KeyMasked: maskKey(k.KeyValue)},
	})
}

// decode 는 JSON 본문을 읽습니다. 실패하면 400 을 쓰고 false 를 반환합니다.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Logger.Warn("invalid admin request body", logging.Fields{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeServiceError 는 서비스 에러를 상태 코드로 변환합니다.
//   - ErrInvalidInput   → 400 (메시지 그대로)
//   - store.ErrNotFound → 404
//   - store.ErrConflict → 409
//   - 그 외             → 500 (로그만 남기고 "internal error")
func (h *Handler) writeServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, store.ErrConflict):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: "already exists"})
	default:
		h.Logger.Error(msg, logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write json response", logging.Fields{"error": err.Error()})
	}
}
