package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// DriveScope はGoogleドライブへのアクセススコープ。
const DriveScope = "https://www.googleapis.com/auth/drive"

// Scopes は連携時に要求する固定スコープ。
var Scopes = []string{calendar.CalendarScope, DriveScope}

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string

	// HTTPClient はトークンエンドポイントへのリクエストに使う。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GoogleOAuthProvider はGoogle OAuth 2.0によるトークンの取得と更新を提供する。
type GoogleOAuthProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(cfg GoogleOAuthConfig) *GoogleOAuthProvider {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &GoogleOAuthProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
		httpClient: cfg.HTTPClient,
	}
}

// AuthCodeURL はオフラインアクセスの同意画面URLを生成する。
// prompt=consentを付け、再連携時もリフレッシュトークンが再発行されるようにする。
func (p *GoogleOAuthProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange は認可コードをトークンに交換する。
func (p *GoogleOAuthProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.config.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", describeRetrieveError(err))
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return tok, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// レスポンスにリフレッシュトークンが含まれない場合は渡されたものを引き継ぐ。
func (p *GoogleOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}

	ts := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", describeRetrieveError(err))
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (p *GoogleOAuthProvider) clientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// describeRetrieveError はトークンエンドポイントのエラーコードをメッセージに含める。
// レスポンスボディはトークンを含み得るためログに出さない。
func describeRetrieveError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.ErrorCode != "" {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return &ProviderRejection{Status: status, Code: rErr.ErrorCode, Err: err}
	}
	return err
}

// ProviderRejection はトークンエンドポイントが要求を拒否したことを表す。
type ProviderRejection struct {
	Status int
	Code   string // invalid_grant など
	Err    error
}

func (e *ProviderRejection) Error() string {
	return fmt.Sprintf("oauth2 provider rejected request: status=%d code=%s", e.Status, e.Code)
}

func (e *ProviderRejection) Unwrap() error {
	return e.Err
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
