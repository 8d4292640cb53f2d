package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/schedman/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// Authorize はGoogleの同意画面URLを返す。
	Authorize(ctx context.Context, principal model.Principal) (string, error)
	// ExchangeCode は認可コードをトークンに交換して保存する。
	ExchangeCode(ctx context.Context, principal model.Principal, code string) (*model.Credential, error)
	// Revoke は保存済みトークンをクリアする。
	Revoke(ctx context.Context, principal model.Principal) error
}

// AuthHandler はGoogleアカウント連携のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// authURLResponse は同意画面URLのレスポンス。
type authURLResponse struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirect_url"`
}

// redirectCodeRequest は認可コード受け渡しリクエストのボディ。
type redirectCodeRequest struct {
	Code string `json:"code"`
}

// credentialResponse は連携状態のレスポンス。トークン自体は返さない。
type credentialResponse struct {
	Connected       bool      `json:"connected"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}

// GetAuthURL はGoogleの同意画面URLを返す。
// GET /api/google
func (h *AuthHandler) GetAuthURL(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	url, err := h.service.Authorize(r.Context(), principal)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, authURLResponse{Success: true, RedirectURL: url})
}

// HandleRedirectCode は同意画面から戻った認可コードをトークンに交換する。
// POST /api/google/redirect {"code": "..."}
// GET  /api/google/redirect?code=...
func (h *AuthHandler) HandleRedirectCode(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	code := r.URL.Query().Get("code")
	if r.Method == http.MethodPost && code == "" {
		var req redirectCodeRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		code = req.Code
	}
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("認可コードが指定されていません"))
		return
	}

	cred, err := h.service.ExchangeCode(r.Context(), principal, code)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Googleアカウントを連携しました。", credentialResponse{
		Connected:       true,
		ExpiresAt:       cred.Expiry,
		HasRefreshToken: cred.CanRefresh(),
	})
}

// Revoke はGoogleアカウントの連携を解除する。
// POST /api/logout
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.Revoke(r.Context(), principal); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Googleアカウントの連携を解除しました。", nil)
}
