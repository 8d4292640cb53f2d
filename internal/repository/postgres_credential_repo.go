package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/schedman/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した資格情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByUserID は指定ユーザーの資格情報を取得する。行が無い場合はnilを返す。
func (r *PostgresCredentialRepo) FindByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	var (
		cred         model.Credential
		accessToken  sql.NullString
		refreshToken sql.NullString
		expiry       sql.NullTime
		revokedAt    sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, token_type, expiry, revoked_at, updated_at
		 FROM google_credentials
		 WHERE user_id = $1`,
		userID,
	).Scan(&cred.UserID, &accessToken, &refreshToken, &cred.TokenType, &expiry, &revokedAt, &cred.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	cred.AccessToken = accessToken.String
	cred.RefreshToken = refreshToken.String
	if expiry.Valid {
		cred.Expiry = expiry.Time
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		cred.RevokedAt = &t
	}
	return &cred, nil
}

// Upsert は認可コード交換で得たトークン一式を保存する。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO google_credentials (user_id, access_token, refresh_token, token_type, expiry, revoked_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULL, $6, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			revoked_at = NULL,
			updated_at = EXCLUDED.updated_at`,
		cred.UserID, nullString(cred.AccessToken), nullString(cred.RefreshToken),
		tokenType(cred.TokenType), nullTime(cred.Expiry), cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// Replace はリフレッシュ後のトークン一式で既存の資格情報を置き換える。
// ログアウト済みの行は更新しない。
func (r *PostgresCredentialRepo) Replace(ctx context.Context, cred *model.Credential) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE google_credentials
		 SET access_token = $2, refresh_token = $3, token_type = $4, expiry = $5, updated_at = $6
		 WHERE user_id = $1 AND revoked_at IS NULL AND access_token IS NOT NULL`,
		cred.UserID, nullString(cred.AccessToken), nullString(cred.RefreshToken),
		tokenType(cred.TokenType), nullTime(cred.Expiry), cred.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to replace credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Clear はトークンをNULLにしてrevoked_atを記録する。
func (r *PostgresCredentialRepo) Clear(ctx context.Context, userID string, revokedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE google_credentials
		 SET access_token = NULL, refresh_token = NULL, expiry = NULL,
			revoked_at = COALESCE(revoked_at, $2), updated_at = $2
		 WHERE user_id = $1`,
		userID, revokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// ListActiveUserIDs はトークンを保持している全ユーザーのIDを返す。
func (r *PostgresCredentialRepo) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM google_credentials
		 WHERE revoked_at IS NULL AND access_token IS NOT NULL
		 ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan credential user ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return ids, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func tokenType(s string) string {
	if s == "" {
		return "Bearer"
	}
	return s
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
