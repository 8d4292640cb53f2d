package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/schedman/internal/model"
	"github.com/hitoshi/schedman/internal/repository"
)

// --- モック定義 ---

type mockOAuthProvider struct {
	authCodeURLFn func(state string) string
	exchangeFn    func(ctx context.Context, code string) (*oauth2.Token, error)
	refreshFn     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

func (m *mockOAuthProvider) AuthCodeURL(state string) string {
	if m.authCodeURLFn != nil {
		return m.authCodeURLFn(state)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (m *mockOAuthProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return nil, errors.New("exchange not configured")
}

func (m *mockOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, errors.New("refresh not configured")
}

// memCredentialRepo はメモリ上の資格情報ストア。
type memCredentialRepo struct {
	mu    sync.Mutex
	rows  map[string]model.Credential
	err   error
	saves int
}

func newMemCredentialRepo(creds ...model.Credential) *memCredentialRepo {
	r := &memCredentialRepo{rows: make(map[string]model.Credential)}
	for _, c := range creds {
		r.rows[c.UserID] = c
	}
	return r
}

func (r *memCredentialRepo) FindByUserID(_ context.Context, userID string) (*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	c, ok := r.rows[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *memCredentialRepo) Upsert(_ context.Context, cred *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *cred
	c.RevokedAt = nil
	r.rows[cred.UserID] = c
	r.saves++
	return nil
}

func (r *memCredentialRepo) Replace(_ context.Context, cred *model.Credential) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[cred.UserID]
	if !ok || cur.IsRevoked() {
		return false, nil
	}
	r.rows[cred.UserID] = *cred
	r.saves++
	return true, nil
}

func (r *memCredentialRepo) Clear(_ context.Context, userID string, revokedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[userID]
	if !ok {
		return nil
	}
	cur.AccessToken, cur.RefreshToken, cur.Expiry = "", "", time.Time{}
	if cur.RevokedAt == nil {
		cur.RevokedAt = &revokedAt
	}
	r.rows[userID] = cur
	return nil
}

func (r *memCredentialRepo) ListActiveUserIDs(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.rows {
		if !c.IsRevoked() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memCredentialRepo) get(userID string) model.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[userID]
}

// --- compile-time interface checks ---
var _ repository.CredentialRepository = (*memCredentialRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)

var (
	testNow  = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	operator = model.Principal{UserID: "user-1", Role: model.RoleOperator}
	guest    = model.Principal{UserID: "user-2", Role: model.RoleGuest}
)

func newTestService(oauth OAuthProvider, creds repository.CredentialRepository) *Service {
	svc := NewService(oauth, creds, nil, ServiceConfig{RoleThreshold: 4, RefreshThreshold: 5 * time.Minute})
	svc.now = func() time.Time { return testNow }
	return svc
}

// --- Authorize ---

func TestAuthorize_ReturnsConsentURLWithRandomState(t *testing.T) {
	var states []string
	provider := &mockOAuthProvider{
		authCodeURLFn: func(state string) string {
			states = append(states, state)
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	svc := newTestService(provider, newMemCredentialRepo())

	u1, err := svc.Authorize(context.Background(), operator)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if _, err := svc.Authorize(context.Background(), operator); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if u1 == "" {
		t.Fatal("expected non-empty URL")
	}
	if len(states) != 2 || states[0] == "" || states[0] == states[1] {
		t.Errorf("states should be random and non-empty, got %v", states)
	}
}

func TestAuthorize_InsufficientRole_ReturnsForbidden(t *testing.T) {
	svc := newTestService(&mockOAuthProvider{}, newMemCredentialRepo())

	_, err := svc.Authorize(context.Background(), guest)
	if !model.IsErrorCode(err, model.ErrCodeForbidden) {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

// --- ExchangeCode ---

func TestExchangeCode_DecodesCodeAndStoresBundle(t *testing.T) {
	var gotCode string
	provider := &mockOAuthProvider{
		exchangeFn: func(_ context.Context, code string) (*oauth2.Token, error) {
			gotCode = code
			return &oauth2.Token{
				AccessToken:  "at-1",
				RefreshToken: "rt-1",
				TokenType:    "Bearer",
				Expiry:       testNow.Add(time.Hour),
			}, nil
		},
	}
	repo := newMemCredentialRepo()
	svc := newTestService(provider, repo)

	cred, err := svc.ExchangeCode(context.Background(), operator, url.PathEscape("4/0Abc+def"))
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if gotCode != "4/0Abc+def" {
		t.Errorf("code passed to provider = %q, want %q", gotCode, "4/0Abc+def")
	}
	if cred.UserID != operator.UserID || cred.AccessToken != "at-1" {
		t.Errorf("credential = %+v", cred)
	}
	stored := repo.get(operator.UserID)
	if stored.AccessToken != "at-1" || stored.RefreshToken != "rt-1" {
		t.Errorf("stored credential = %+v", stored)
	}
}

func TestExchangeCode_ProviderRejects_ReturnsExchangeFailed(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeFn: func(context.Context, string) (*oauth2.Token, error) {
			return nil, &ProviderRejection{Status: 400, Code: "invalid_grant"}
		},
	}
	repo := newMemCredentialRepo()
	svc := newTestService(provider, repo)

	_, err := svc.ExchangeCode(context.Background(), operator, "bad-code")
	if !model.IsErrorCode(err, model.ErrCodeExchangeFailed) {
		t.Fatalf("err = %v, want EXCHANGE_FAILED", err)
	}
	var rejection *ProviderRejection
	if !errors.As(err, &rejection) {
		t.Error("provider cause should be preserved")
	}
	if repo.saves != 0 {
		t.Errorf("no credential should be stored, saves = %d", repo.saves)
	}
}

func TestExchangeCode_EmptyCode_ReturnsInvalidRequest(t *testing.T) {
	svc := newTestService(&mockOAuthProvider{}, newMemCredentialRepo())

	_, err := svc.ExchangeCode(context.Background(), operator, "  ")
	if !model.IsErrorCode(err, model.ErrCodeInvalidRequest) {
		t.Fatalf("err = %v, want INVALID_REQUEST", err)
	}
}

func TestExchangeCode_InsufficientRole_ReturnsForbidden(t *testing.T) {
	called := false
	provider := &mockOAuthProvider{
		exchangeFn: func(context.Context, string) (*oauth2.Token, error) {
			called = true
			return &oauth2.Token{AccessToken: "x"}, nil
		},
	}
	svc := newTestService(provider, newMemCredentialRepo())

	_, err := svc.ExchangeCode(context.Background(), guest, "code")
	if !model.IsErrorCode(err, model.ErrCodeForbidden) {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
	if called {
		t.Error("provider must not be called for forbidden principal")
	}
}

// --- EnsureFreshCredential ---

func TestEnsureFreshCredential_NoCredential_ReturnsNotAuthenticated(t *testing.T) {
	svc := newTestService(&mockOAuthProvider{}, newMemCredentialRepo())

	_, err := svc.EnsureFreshCredential(context.Background(), "nobody")
	if !model.IsErrorCode(err, model.ErrCodeNotAuthenticated) {
		t.Fatalf("err = %v, want NOT_AUTHENTICATED", err)
	}
}

func TestEnsureFreshCredential_Revoked_ReturnsNotAuthenticated(t *testing.T) {
	revokedAt := testNow.Add(-time.Hour)
	repo := newMemCredentialRepo(model.Credential{UserID: "user-1", RevokedAt: &revokedAt})
	svc := newTestService(&mockOAuthProvider{}, repo)

	_, err := svc.EnsureFreshCredential(context.Background(), "user-1")
	if !model.IsErrorCode(err, model.ErrCodeNotAuthenticated) {
		t.Fatalf("err = %v, want NOT_AUTHENTICATED", err)
	}
}

func TestEnsureFreshCredential_ValidToken_NoRefresh(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: "user-1", AccessToken: "at", RefreshToken: "rt", Expiry: testNow.Add(time.Hour),
	})
	provider := &mockOAuthProvider{
		refreshFn: func(context.Context, string) (*oauth2.Token, error) {
			t.Error("refresh should not be called for a valid token")
			return nil, errors.New("unexpected")
		},
	}
	svc := newTestService(provider, repo)

	cred, err := svc.EnsureFreshCredential(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("EnsureFreshCredential() error = %v", err)
	}
	if cred.AccessToken != "at" {
		t.Errorf("AccessToken = %q, want at", cred.AccessToken)
	}
}

func TestEnsureFreshCredential_ExpiredToken_RefreshesAndPersists(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: "user-1", AccessToken: "old", RefreshToken: "rt", Expiry: testNow.Add(-time.Minute),
	})
	provider := &mockOAuthProvider{
		refreshFn: func(_ context.Context, rt string) (*oauth2.Token, error) {
			if rt != "rt" {
				t.Errorf("refresh token = %q, want rt", rt)
			}
			return &oauth2.Token{AccessToken: "new", TokenType: "Bearer", Expiry: testNow.Add(time.Hour)}, nil
		},
	}
	svc := newTestService(provider, repo)

	cred, err := svc.EnsureFreshCredential(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("EnsureFreshCredential() error = %v", err)
	}
	if cred.AccessToken != "new" || !cred.Expiry.After(testNow) {
		t.Errorf("credential = %+v, want new token with later expiry", cred)
	}

	stored := repo.get("user-1")
	if stored.AccessToken != "new" {
		t.Errorf("stored AccessToken = %q, want new", stored.AccessToken)
	}
	if stored.RefreshToken != "rt" {
		t.Errorf("stored RefreshToken = %q, want rt to be kept", stored.RefreshToken)
	}
	if !stored.Expiry.Equal(testNow.Add(time.Hour)) {
		t.Errorf("stored Expiry = %v", stored.Expiry)
	}
}

// 閾値以内に期限が迫ったトークンも更新対象になる
func TestEnsureFreshCredential_WithinThreshold_Refreshes(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: "user-1", AccessToken: "old", RefreshToken: "rt", Expiry: testNow.Add(4 * time.Minute),
	})
	var calls int32
	provider := &mockOAuthProvider{
		refreshFn: func(context.Context, string) (*oauth2.Token, error) {
			atomic.AddInt32(&calls, 1)
			return &oauth2.Token{AccessToken: "new", Expiry: testNow.Add(time.Hour)}, nil
		},
	}
	svc := newTestService(provider, repo)

	if _, err := svc.EnsureFreshCredential(context.Background(), "user-1"); err != nil {
		t.Fatalf("EnsureFreshCredential() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestEnsureFreshCredential_NoRefreshToken_ReturnsRefreshFailed(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: "user-1", AccessToken: "old", Expiry: testNow.Add(-time.Minute),
	})
	svc := newTestService(&mockOAuthProvider{}, repo)

	_, err := svc.EnsureFreshCredential(context.Background(), "user-1")
	if !model.IsErrorCode(err, model.ErrCodeRefreshFailed) {
		t.Fatalf("err = %v, want REFRESH_FAILED", err)
	}
}

func TestEnsureFreshCredential_ProviderRejects_ReturnsRefreshFailed(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: "user-1", AccessToken: "old", RefreshToken: "revoked-rt", Expiry: testNow.Add(-time.Minute),
	})
	provider := &mockOAuthProvider{
		refreshFn: func(context.Context, string) (*oauth2.Token, error) {
			return nil, &ProviderRejection{Status: 400, Code: "invalid_grant"}
		},
	}
	svc := newTestService(provider, repo)

	_, err := svc.EnsureFreshCredential(context.Background(), "user-1")
	if !model.IsErrorCode(err, model.ErrCodeRefreshFailed) {
		t.Fatalf("err = %v, want REFRESH_FAILED", err)
	}
	if stored := repo.get("user-1"); stored.AccessToken != "old" {
		t.Errorf("stored credential should be unchanged, got %+v", stored)
	}
}

// 同一ユーザーの同時リクエストでもトークン更新は1回だけ行われる
func TestEnsureFreshCredential_ConcurrentRequests_RefreshOnce(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: "user-1", AccessToken: "old", RefreshToken: "rt", Expiry: testNow.Add(-time.Minute),
	})

	var calls int32
	release := make(chan struct{})
	provider := &mockOAuthProvider{
		refreshFn: func(context.Context, string) (*oauth2.Token, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return &oauth2.Token{AccessToken: "new", Expiry: testNow.Add(time.Hour)}, nil
		},
	}
	svc := newTestService(provider, repo)

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := svc.EnsureFreshCredential(context.Background(), "user-1")
			errs[i] = err
			if cred != nil {
				results[i] = cred.AccessToken
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
		}
		if results[i] != "new" {
			t.Errorf("request %d token = %q, want new", i, results[i])
		}
	}
}

func TestEnsureFreshCredential_RevokedDuringRefresh_ReturnsNotAuthenticated(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: "user-1", AccessToken: "old", RefreshToken: "rt", Expiry: testNow.Add(-time.Minute),
	})
	provider := &mockOAuthProvider{
		refreshFn: func(ctx context.Context, _ string) (*oauth2.Token, error) {
			_ = repo.Clear(ctx, "user-1", testNow)
			return &oauth2.Token{AccessToken: "new", Expiry: testNow.Add(time.Hour)}, nil
		},
	}
	svc := newTestService(provider, repo)

	_, err := svc.EnsureFreshCredential(context.Background(), "user-1")
	if !model.IsErrorCode(err, model.ErrCodeNotAuthenticated) {
		t.Fatalf("err = %v, want NOT_AUTHENTICATED", err)
	}
	if stored := repo.get("user-1"); !stored.IsRevoked() {
		t.Error("credential should stay revoked")
	}
}

func TestEnsureFreshCredential_StoreError_IsWrapped(t *testing.T) {
	repo := newMemCredentialRepo()
	repo.err = errors.New("connection reset")
	svc := newTestService(&mockOAuthProvider{}, repo)

	_, err := svc.EnsureFreshCredential(context.Background(), "user-1")
	if err == nil || model.ErrorCode(err) != "" {
		t.Fatalf("err = %v, want plain wrapped store error", err)
	}
	if !errors.Is(err, repo.err) {
		t.Errorf("err should wrap store error, got %v", err)
	}
}

// --- Revoke ---

func TestRevoke_ClearsTokensAndIsIdempotent(t *testing.T) {
	repo := newMemCredentialRepo(model.Credential{
		UserID: operator.UserID, AccessToken: "at", RefreshToken: "rt", Expiry: testNow.Add(time.Hour),
	})
	svc := newTestService(&mockOAuthProvider{}, repo)

	for i := 0; i < 2; i++ {
		if err := svc.Revoke(context.Background(), operator); err != nil {
			t.Fatalf("Revoke() #%d error = %v", i+1, err)
		}
	}

	if stored := repo.get(operator.UserID); !stored.IsRevoked() || stored.RefreshToken != "" {
		t.Errorf("credential should be cleared, got %+v", stored)
	}

	_, err := svc.EnsureFreshCredential(context.Background(), operator.UserID)
	if !model.IsErrorCode(err, model.ErrCodeNotAuthenticated) {
		t.Errorf("after revoke err = %v, want NOT_AUTHENTICATED", err)
	}
}

func TestRevoke_NeverAuthorized_Succeeds(t *testing.T) {
	svc := newTestService(&mockOAuthProvider{}, newMemCredentialRepo())

	if err := svc.Revoke(context.Background(), operator); err != nil {
		t.Fatalf("Revoke() error = %v, want nil", err)
	}
}

func TestRevoke_InsufficientRole_ReturnsForbidden(t *testing.T) {
	svc := newTestService(&mockOAuthProvider{}, newMemCredentialRepo())

	if err := svc.Revoke(context.Background(), guest); !model.IsErrorCode(err, model.ErrCodeForbidden) {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestToken_ConvertsCredential(t *testing.T) {
	cred := &model.Credential{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", Expiry: testNow}
	tok := Token(cred)
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || !tok.Expiry.Equal(testNow) {
		t.Errorf("Token() = %+v", tok)
	}
}
