package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/schedman/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用したイベントミラーのリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// ExistsForRound は (userID, cid, round) のイベントが存在するかを返す。
func (r *PostgresEventRepo) ExistsForRound(ctx context.Context, userID, contextID string, round int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduled_events WHERE user_id = $1 AND cid = $2 AND round = $3)`,
		userID, contextID, round,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check round uniqueness: %w", err)
	}
	return exists, nil
}

// CreateWithAttendees はイベント行と招待者行を同一トランザクションで作成する。
// IDとタイムスタンプが未設定の場合はここで補完する。
func (r *PostgresEventRepo) CreateWithAttendees(ctx context.Context, event *model.ScheduledEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = event.CreatedAt

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scheduled_events (id, user_id, cid, round, provider_event_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.UserID, event.ContextID, event.Round, event.ProviderEventID, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to insert scheduled event: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to insert scheduled event: %w", err)
	}

	if err := insertAttendees(ctx, tx, event.ProviderEventID, event.Attendees, event.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByProviderEventID はプロバイダーのイベントIDでイベントを取得する。
func (r *PostgresEventRepo) FindByProviderEventID(ctx context.Context, userID, providerEventID string) (*model.ScheduledEvent, error) {
	event := &model.ScheduledEvent{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, cid, round, provider_event_id, created_at, updated_at
		 FROM scheduled_events
		 WHERE user_id = $1 AND provider_event_id = $2`,
		userID, providerEventID,
	).Scan(&event.ID, &event.UserID, &event.ContextID, &event.Round, &event.ProviderEventID, &event.CreatedAt, &event.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find scheduled event: %w", err)
	}

	if err := r.attachAttendees(ctx, []*model.ScheduledEvent{event}); err != nil {
		return nil, err
	}
	return event, nil
}

// ListByContext は指定cidのイベントをラウンド昇順で返す。
func (r *PostgresEventRepo) ListByContext(ctx context.Context, userID, contextID string) ([]*model.ScheduledEvent, error) {
	events, err := r.queryEvents(ctx,
		`SELECT id, user_id, cid, round, provider_event_id, created_at, updated_at
		 FROM scheduled_events
		 WHERE user_id = $1 AND cid = $2
		 ORDER BY round ASC`,
		userID, contextID,
	)
	if err != nil {
		return nil, err
	}
	if err := r.attachAttendees(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListByUser はユーザーの全イベントを返す。
func (r *PostgresEventRepo) ListByUser(ctx context.Context, userID string) ([]*model.ScheduledEvent, error) {
	return r.queryEvents(ctx,
		`SELECT id, user_id, cid, round, provider_event_id, created_at, updated_at
		 FROM scheduled_events
		 WHERE user_id = $1
		 ORDER BY cid, round`,
		userID,
	)
}

// ReplaceAttendeesAndRound は招待者を全件入れ替え、roundがnilでなければラウンドを更新する。
func (r *PostgresEventRepo) ReplaceAttendeesAndRound(ctx context.Context, userID, providerEventID string, attendees []string, round *int) (bool, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 所有者確認を兼ねて行ロックを取る
	result, err := tx.ExecContext(ctx,
		`UPDATE scheduled_events
		 SET round = COALESCE($3, round), updated_at = $4
		 WHERE user_id = $1 AND provider_event_id = $2`,
		userID, providerEventID, nullInt(round), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("failed to update round: %w", ErrDuplicate)
		}
		return false, fmt.Errorf("failed to update round: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attendees WHERE provider_event_id = $1`,
		providerEventID,
	); err != nil {
		return false, fmt.Errorf("failed to delete attendees: %w", err)
	}

	if err := insertAttendees(ctx, tx, providerEventID, attendees, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Delete はイベント行を削除する。招待者はCASCADE削除される。
func (r *PostgresEventRepo) Delete(ctx context.Context, userID, providerEventID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM scheduled_events WHERE user_id = $1 AND provider_event_id = $2`,
		userID, providerEventID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete scheduled event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresEventRepo) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*model.ScheduledEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled events: %w", err)
	}
	defer rows.Close()

	events := []*model.ScheduledEvent{}
	for rows.Next() {
		e := &model.ScheduledEvent{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.ContextID, &e.Round, &e.ProviderEventID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled events: %w", err)
	}
	return events, nil
}

// attachAttendees はイベントごとの招待者メールアドレスを1クエリでまとめて取得して設定する。
func (r *PostgresEventRepo) attachAttendees(ctx context.Context, events []*model.ScheduledEvent) error {
	if len(events) == 0 {
		return nil
	}

	ids := make([]string, len(events))
	byID := make(map[string]*model.ScheduledEvent, len(events))
	for i, e := range events {
		ids[i] = e.ProviderEventID
		e.Attendees = []string{}
		byID[e.ProviderEventID] = e
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT provider_event_id, email FROM attendees
		 WHERE provider_event_id = ANY($1)
		 ORDER BY position`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to list attendees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID, email string
		if err := rows.Scan(&eventID, &email); err != nil {
			return fmt.Errorf("failed to scan attendee: %w", err)
		}
		if e, ok := byID[eventID]; ok {
			e.Attendees = append(e.Attendees, email)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate attendees: %w", err)
	}
	return nil
}

func insertAttendees(ctx context.Context, tx *sql.Tx, providerEventID string, emails []string, createdAt time.Time) error {
	for i, email := range emails {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attendees (id, provider_event_id, email, position, created_at) VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), providerEventID, email, i, createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert attendee: %w", err)
		}
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
