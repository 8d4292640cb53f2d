package model

import "time"

// Credential はユーザーごとのGoogle OAuth2トークン一式を表す。
// 認可コード交換で作成され、リフレッシュ時は丸ごと置き換え、ログアウト時はクリアする（行は残す）。
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	RevokedAt    *time.Time
	UpdatedAt    time.Time
}

// IsRevoked はトークンがクリア済み（ログアウト済み）かを返す。
func (c *Credential) IsRevoked() bool {
	return c.RevokedAt != nil || c.AccessToken == ""
}

// CanRefresh はリフレッシュトークンを保持しているかを返す。
func (c *Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// IsExpiring は now+threshold の時点でアクセストークンが期限切れとなるかを返す。
// 有効期限が未設定のトークンは期限切れにならないものとして扱う。
func (c *Credential) IsExpiring(now time.Time, threshold time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(threshold).Before(c.Expiry)
}
