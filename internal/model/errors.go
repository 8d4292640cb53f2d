package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// プロバイダー由来のエラーはCauseに保持し、errors.Unwrapで取り出せる。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, calendar, system
	Action   string // ユーザー向け対処方法
	Cause    error  // 元エラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeExchangeFailed   = "EXCHANGE_FAILED"
	ErrCodeRefreshFailed    = "REFRESH_FAILED"
	ErrCodeDuplicateRound   = "DUPLICATE_ROUND"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeProviderError    = "PROVIDER_ERROR"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ErrorCode はerrチェーン中のAPIErrorのコードを返す。APIErrorでなければ空文字。
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsErrorCode はerrが指定コードのAPIErrorかどうかを判定する。
func IsErrorCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewNotAuthenticatedError はGoogleアカウント未連携エラーを生成する。
// トークンが一度も発行されていない場合と、ログアウト済みの場合の両方で使う。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "Googleアカウントが連携されていません。",
		Category: "auth",
		Action:   "Googleカレンダーの連携をやり直してください。",
	}
}

// NewExchangeFailedError は認可コード交換失敗エラーを生成する。
func NewExchangeFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeExchangeFailed,
		Message:  "認可コードをトークンに交換できませんでした。",
		Category: "auth",
		Action:   "認可コードの有効期限が切れている可能性があります。連携をやり直してください。",
		Cause:    cause,
	}
}

// NewRefreshFailedError はアクセストークン更新失敗エラーを生成する。
func NewRefreshFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  "アクセストークンを更新できませんでした。",
		Category: "auth",
		Action:   "Googleアカウントの連携が解除された可能性があります。連携をやり直してください。",
		Cause:    cause,
	}
}

// NewDuplicateRoundError は同一ラウンドのイベント重複エラーを生成する。
func NewDuplicateRoundError(contextID string, round int) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateRound,
		Message:  fmt.Sprintf("このラウンドのイベントは既に存在します: cid=%s round=%d", contextID, round),
		Category: "calendar",
		Action:   "既存のイベントを更新するか、別のラウンドを指定してください。",
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
func NewEventNotFoundError(eventID string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定されたイベントが見つかりません: %s", eventID),
		Category: "calendar",
		Action:   "イベントIDを確認してください。",
		Cause:    cause,
	}
}

// NewProviderError はカレンダープロバイダー側のエラーを生成する。
func NewProviderError(operation string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  fmt.Sprintf("Googleカレンダーでの処理に失敗しました: %s", operation),
		Category: "calendar",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は呼び出し元を識別できない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
