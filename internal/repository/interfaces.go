// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/schedman/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// CredentialRepository はGoogle OAuth2トークンの永続化インターフェース。
// 行が存在しない場合は未連携、トークンがNULLの行はログアウト済みを表す。
type CredentialRepository interface {
	// FindByUserID は指定ユーザーの資格情報を取得する。行が無い場合はnilを返す。
	// ログアウト済みの行は IsRevoked() == true の資格情報として返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)

	// Upsert は認可コード交換で得たトークン一式を保存する。
	// ログアウト済みの行は再連携として上書きされ、revoked_atはクリアされる。
	Upsert(ctx context.Context, cred *model.Credential) error

	// Replace はリフレッシュ後のトークン一式で既存の資格情報を置き換える。
	// ログアウト済みまたは行が無い場合は置き換えずfalseを返す。
	Replace(ctx context.Context, cred *model.Credential) (bool, error)

	// Clear はトークンをNULLにしてrevoked_atを記録する。行は削除しない。
	// 行が無い、または既にクリア済みの場合も成功する。
	Clear(ctx context.Context, userID string, revokedAt time.Time) error

	// ListActiveUserIDs はトークンを保持している全ユーザーのIDを返す。
	ListActiveUserIDs(ctx context.Context) ([]string, error)
}

// EventRepository はカレンダーイベントのローカルミラーの永続化インターフェース。
// 全ての操作はユーザーIDでスコープされる。
type EventRepository interface {
	// ExistsForRound は (userID, cid, round) のイベントが存在するかを返す。
	ExistsForRound(ctx context.Context, userID, contextID string, round int) (bool, error)

	// CreateWithAttendees はイベント行と招待者行を同一トランザクションで作成する。
	// (user_id, cid, round) または provider_event_id が重複した場合は ErrDuplicate をラップして返す。
	CreateWithAttendees(ctx context.Context, event *model.ScheduledEvent) error

	// FindByProviderEventID はプロバイダーのイベントIDでイベントを取得する。
	// 招待者のメールアドレスを含む。見つからない場合はnilを返す。
	FindByProviderEventID(ctx context.Context, userID, providerEventID string) (*model.ScheduledEvent, error)

	// ListByContext は指定cidのイベントをラウンド昇順で返す。招待者のメールアドレスを含む。
	ListByContext(ctx context.Context, userID, contextID string) ([]*model.ScheduledEvent, error)

	// ListByUser はユーザーの全イベントを返す。招待者は含まない。
	ListByUser(ctx context.Context, userID string) ([]*model.ScheduledEvent, error)

	// ReplaceAttendeesAndRound は招待者を全件入れ替え、roundがnilでなければラウンドを更新する。
	// 同一トランザクションで実行する。対象行が無い場合は false を返す。
	ReplaceAttendeesAndRound(ctx context.Context, userID, providerEventID string, attendees []string, round *int) (bool, error)

	// Delete はイベント行を削除する。招待者はCASCADE削除される。
	// 対象行が無い場合は false を返す。
	Delete(ctx context.Context, userID, providerEventID string) (bool, error)
}
