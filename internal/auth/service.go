// Package auth はGoogle OAuth2トークンのライフサイクル（連携・交換・更新・解除）を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/schedman/internal/metrics"
	"github.com/hitoshi/schedman/internal/model"
	"github.com/hitoshi/schedman/internal/repository"
)

// OAuthProvider はOAuth2トークンエンドポイントのインターフェース。
type OAuthProvider interface {
	// AuthCodeURL はオフラインアクセスの同意画面URLを生成する。
	AuthCodeURL(state string) string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	// Refresh はリフレッシュトークンで新しいトークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	RoleThreshold    int           // この値以下のロールのみ操作を許可する
	RefreshThreshold time.Duration // 有効期限までの残りがこれ以下なら更新する
}

// Service はユーザーごとのGoogle資格情報を管理する。
type Service struct {
	oauth   OAuthProvider
	creds   repository.CredentialRepository
	metrics metrics.MetricsCollector
	config  ServiceConfig
	now     func() time.Time

	// refreshGroup はユーザー単位でトークン更新を直列化する
	refreshGroup singleflight.Group
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	oauth OAuthProvider,
	creds repository.CredentialRepository,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop()
	}
	return &Service{
		oauth:   oauth,
		creds:   creds,
		metrics: collector,
		config:  config,
		now:     time.Now,
	}
}

// Authorize はGoogleカレンダー連携の同意画面URLを返す。
func (s *Service) Authorize(ctx context.Context, principal model.Principal) (string, error) {
	if !principal.HasRoleAtLeast(s.config.RoleThreshold) {
		return "", model.NewForbiddenError()
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return s.oauth.AuthCodeURL(state), nil
}

// ExchangeCode は認可コードをトークンに交換し、呼び出し元ユーザーの資格情報として保存する。
// コードはURLエンコードされたまま渡されてもよい。
func (s *Service) ExchangeCode(ctx context.Context, principal model.Principal, code string) (*model.Credential, error) {
	if !principal.HasRoleAtLeast(s.config.RoleThreshold) {
		return nil, model.NewForbiddenError()
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, model.NewInvalidRequestError("code is required")
	}
	if decoded, err := url.PathUnescape(code); err == nil {
		code = decoded
	}

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		slog.Warn("authorization code exchange failed",
			slog.String("user_id", principal.UserID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewExchangeFailedError(err)
	}

	cred := credentialFromToken(principal.UserID, tok, s.now())
	if err := s.creds.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	slog.Info("google account connected",
		slog.String("user_id", principal.UserID),
		slog.Bool("has_refresh_token", cred.CanRefresh()),
	)
	return cred, nil
}

// EnsureFreshCredential は有効なアクセストークンを持つ資格情報を返す。
// 有効期限が閾値以内に迫っていれば更新して保存する。同一ユーザーの更新は1回にまとめる。
func (s *Service) EnsureFreshCredential(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := s.loadActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cred.IsExpiring(s.now(), s.config.RefreshThreshold) {
		return cred, nil
	}

	// 先頭の呼び出し元がキャンセルしても待機中の呼び出し元には結果を返す
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := s.refreshGroup.Do(userID, func() (interface{}, error) {
		return s.refresh(flightCtx, userID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("token refresh shared with concurrent request", slog.String("user_id", userID))
	}
	return v.(*model.Credential), nil
}

// refresh は資格情報を再読込してから更新する。
// 並行リクエストが既に更新済みであればその結果を使う。
func (s *Service) refresh(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := s.loadActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !cred.IsExpiring(now, s.config.RefreshThreshold) {
		return cred, nil
	}

	if !cred.CanRefresh() {
		s.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return nil, model.NewRefreshFailedError(errors.New("no refresh token on file"))
	}

	tok, err := s.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.ResultFailure)
		slog.Warn("access token refresh failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewRefreshFailedError(err)
	}

	next := credentialFromToken(userID, tok, now)
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}

	replaced, err := s.creds.Replace(ctx, next)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return nil, fmt.Errorf("failed to save refreshed credential: %w", err)
	}
	if !replaced {
		// 更新中にログアウトされた
		s.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return nil, model.NewNotAuthenticatedError()
	}

	s.metrics.RecordTokenRefresh(metrics.ResultSuccess)
	slog.Info("access token refreshed",
		slog.String("user_id", userID),
		slog.Time("expiry", next.Expiry),
	)
	return next, nil
}

// Revoke は呼び出し元ユーザーのトークンをクリアする。
// 未連携やログアウト済みの場合も成功する。
func (s *Service) Revoke(ctx context.Context, principal model.Principal) error {
	if !principal.HasRoleAtLeast(s.config.RoleThreshold) {
		return model.NewForbiddenError()
	}

	if err := s.creds.Clear(ctx, principal.UserID, s.now()); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}

	slog.Info("google account disconnected", slog.String("user_id", principal.UserID))
	return nil
}

func (s *Service) loadActive(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := s.creds.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil || cred.IsRevoked() {
		return nil, model.NewNotAuthenticatedError()
	}
	return cred, nil
}

func credentialFromToken(userID string, tok *oauth2.Token, now time.Time) *model.Credential {
	return &model.Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
		UpdatedAt:    now,
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Token はCredentialをoauth2.Tokenに変換する。
func Token(cred *model.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}
}
