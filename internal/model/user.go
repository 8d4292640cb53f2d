// Package model はドメインモデルを定義する。
package model

import "time"

// ロール値。数値が小さいほど権限が強い。
const (
	RoleAdmin    = 1
	RoleOperator = 2
	RoleManager  = 3
	RoleMember   = 4
	RoleGuest    = 5
)

// User はサービス利用ユーザーを表す。
type User struct {
	ID        string
	Email     string
	Name      string
	Role      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はベアラートークンで識別されるログインセッションを表す。
// IDがそのままベアラートークンとなる。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Principal は認証済みの呼び出し元を表す。
// 外部のIdentityResolverが解決し、各操作の権限判定に使う。
type Principal struct {
	UserID string
	Role   int
}

// HasRoleAtLeast はロールが閾値以上の権限を持つかを判定する。
// 数値が小さいほど権限が強いため、role <= threshold で許可する。
func (p Principal) HasRoleAtLeast(threshold int) bool {
	return p.UserID != "" && p.Role > 0 && p.Role <= threshold
}
