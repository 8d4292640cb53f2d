package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/hitoshi/schedman/internal/auth"
	"github.com/hitoshi/schedman/internal/metrics"
	"github.com/hitoshi/schedman/internal/model"
	"github.com/hitoshi/schedman/internal/repository"
	"github.com/hitoshi/schedman/internal/schedule"
)

// CredentialSource はプロバイダー呼び出し前に有効な資格情報を取得するインターフェース。
// auth.Serviceが実装する。
type CredentialSource interface {
	EnsureFreshCredential(ctx context.Context, userID string) (*model.Credential, error)
}

// MirrorConfig はMirrorの設定。
type MirrorConfig struct {
	RoleThreshold int    // この値以下のロールのみ操作を許可する
	TimeZone      string // イベントの表示タイムゾーン
}

// Mirror はGoogleカレンダー上のイベントを操作し、ローカルのミラー行を同期する。
type Mirror struct {
	creds    CredentialSource
	provider Provider
	events   repository.EventRepository
	policy   *schedule.Policy
	guard    *schedule.RoundGuard
	metrics  metrics.MetricsCollector
	config   MirrorConfig

	newRequestID func() string
}

// NewMirror はMirrorを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewMirror(
	creds CredentialSource,
	provider Provider,
	events repository.EventRepository,
	collector metrics.MetricsCollector,
	config MirrorConfig,
) *Mirror {
	if collector == nil {
		collector = metrics.Nop()
	}
	return &Mirror{
		creds:        creds,
		provider:     provider,
		events:       events,
		policy:       schedule.NewPolicy(events),
		guard:        schedule.NewRoundGuard(),
		metrics:      collector,
		config:       config,
		newRequestID: uuid.NewString,
	}
}

// CreateEvent はGoogleカレンダーにイベントを作成し、ミラー行と招待者行を保存する。
// ローカル保存に失敗した場合は作成したイベントを削除して取り消す。
func (m *Mirror) CreateEvent(ctx context.Context, principal model.Principal, spec model.EventSpec) (*model.ScheduledEvent, *gcal.Event, error) {
	if !principal.HasRoleAtLeast(m.config.RoleThreshold) {
		return nil, nil, model.NewForbiddenError()
	}
	if spec.ContextID == "" {
		return nil, nil, model.NewInvalidRequestError("cid is required")
	}
	if spec.DurationMinutes < 0 {
		return nil, nil, model.NewInvalidRequestError("duration must not be negative")
	}

	unlock := m.guard.Lock(principal.UserID, spec.ContextID, spec.Round)
	defer unlock()

	cred, err := m.creds.EnsureFreshCredential(ctx, principal.UserID)
	if err != nil {
		return nil, nil, err
	}

	free, err := m.policy.CheckRoundUniqueness(ctx, principal.UserID, spec.ContextID, spec.Round)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check round: %w", err)
	}
	if !free {
		return nil, nil, model.NewDuplicateRoundError(spec.ContextID, spec.Round)
	}

	window, err := schedule.ComputeWindow(spec.StartTime, spec.DurationMinutes, m.config.TimeZone)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute window: %w", err)
	}

	tok := auth.Token(cred)
	created, err := m.provider.Insert(ctx, tok, buildEvent(principal.UserID, spec, window, m.newRequestID()))
	if err != nil {
		slog.Warn("provider insert failed",
			slog.String("user_id", principal.UserID),
			slog.String("cid", spec.ContextID),
			slog.Int("round", spec.Round),
			slog.String("error", err.Error()),
		)
		return nil, nil, model.NewProviderError("insert", err)
	}

	row := &model.ScheduledEvent{
		UserID:          principal.UserID,
		ContextID:       spec.ContextID,
		ProviderEventID: created.Id,
		Round:           spec.Round,
		Attendees:       spec.Attendees,
	}
	if err := m.events.CreateWithAttendees(ctx, row); err != nil {
		m.compensateCreate(ctx, tok, principal.UserID, created.Id, err)
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, nil, model.NewDuplicateRoundError(spec.ContextID, spec.Round)
		}
		return nil, nil, fmt.Errorf("failed to save event: %w", err)
	}

	slog.Info("event created",
		slog.String("user_id", principal.UserID),
		slog.String("cid", spec.ContextID),
		slog.Int("round", spec.Round),
		slog.String("event_id", created.Id),
		slog.Int("attendees", len(spec.Attendees)),
	)
	return row, created, nil
}

// compensateCreate はローカル保存に失敗したイベントをプロバイダーから削除する。
// 削除にも失敗した場合は突き合わせジョブが取り込みまたは競合として扱う。
func (m *Mirror) compensateCreate(ctx context.Context, tok *oauth2.Token, userID, eventID string, cause error) {
	m.metrics.RecordCompensation("create")

	if err := m.provider.Delete(context.WithoutCancel(ctx), tok, eventID); err != nil && !IsNotFound(err) {
		slog.Error("compensating delete failed",
			slog.String("user_id", userID),
			slog.String("event_id", eventID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Warn("provider event removed after local save failure",
		slog.String("user_id", userID),
		slog.String("event_id", eventID),
		slog.String("cause", cause.Error()),
	)
}

// ListEvents は指定cidのローカルミラー行をラウンド昇順で返す。プロバイダーは呼び出さない。
func (m *Mirror) ListEvents(ctx context.Context, principal model.Principal, contextID string) ([]*model.ScheduledEvent, error) {
	if !principal.HasRoleAtLeast(m.config.RoleThreshold) {
		return nil, model.NewForbiddenError()
	}
	if contextID == "" {
		return nil, model.NewInvalidRequestError("cid is required")
	}

	events, err := m.events.ListByContext(ctx, principal.UserID, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// GetEvent はGoogleカレンダーからイベントを取得する。
func (m *Mirror) GetEvent(ctx context.Context, principal model.Principal, eventID string) (*gcal.Event, error) {
	if !principal.HasRoleAtLeast(m.config.RoleThreshold) {
		return nil, model.NewForbiddenError()
	}

	cred, err := m.creds.EnsureFreshCredential(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}

	ev, err := m.provider.Get(ctx, auth.Token(cred), eventID)
	if err != nil {
		return nil, providerError("get", eventID, err)
	}
	return ev, nil
}

// UpdateEvent は取得したイベントに指定フィールドだけを上書きして更新する。
// 成功後、ミラー行があれば招待者を全件入れ替え、ラウンドの指定があれば更新する。
func (m *Mirror) UpdateEvent(ctx context.Context, principal model.Principal, eventID string, spec model.UpdateSpec) (*gcal.Event, error) {
	if !principal.HasRoleAtLeast(m.config.RoleThreshold) {
		return nil, model.NewForbiddenError()
	}
	if spec.DurationMinutes != nil && *spec.DurationMinutes < 0 {
		return nil, model.NewInvalidRequestError("duration must not be negative")
	}

	cred, err := m.creds.EnsureFreshCredential(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	tok := auth.Token(cred)

	current, err := m.provider.Get(ctx, tok, eventID)
	if err != nil {
		return nil, providerError("get", eventID, err)
	}

	local, err := m.events.FindByProviderEventID(ctx, principal.UserID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}

	// ラウンド変更は変更先の (cid, round) が空いている場合のみ許可する
	if spec.Round != nil && local != nil && *spec.Round != local.Round {
		unlock := m.guard.Lock(principal.UserID, local.ContextID, *spec.Round)
		defer unlock()

		free, err := m.policy.CheckRoundUniqueness(ctx, principal.UserID, local.ContextID, *spec.Round)
		if err != nil {
			return nil, fmt.Errorf("failed to check round: %w", err)
		}
		if !free {
			return nil, model.NewDuplicateRoundError(local.ContextID, *spec.Round)
		}
	}

	var window *schedule.Window
	if spec.HasWindowChange() {
		w, err := m.updatedWindow(current, spec)
		if err != nil {
			return nil, err
		}
		window = &w
	}
	applyUpdate(current, spec, window)

	updated, err := m.provider.Update(ctx, tok, eventID, current)
	if err != nil {
		return nil, providerError("update", eventID, err)
	}

	if local == nil {
		slog.Warn("updated event is not mirrored locally",
			slog.String("user_id", principal.UserID),
			slog.String("event_id", eventID),
		)
		return updated, nil
	}

	attendees := local.Attendees
	if spec.Attendees != nil {
		attendees = *spec.Attendees
	}
	ok, err := m.events.ReplaceAttendeesAndRound(ctx, principal.UserID, eventID, attendees, spec.Round)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) && spec.Round != nil {
			return nil, model.NewDuplicateRoundError(local.ContextID, *spec.Round)
		}
		return nil, fmt.Errorf("failed to update local event: %w", err)
	}
	if !ok {
		slog.Warn("mirrored event disappeared during update",
			slog.String("user_id", principal.UserID),
			slog.String("event_id", eventID),
		)
	}

	slog.Info("event updated",
		slog.String("user_id", principal.UserID),
		slog.String("event_id", eventID),
		slog.Bool("window_changed", window != nil),
	)
	return updated, nil
}

// updatedWindow は開始時刻・所要時間の片方だけが指定された場合、もう片方を取得済みイベントから補う。
func (m *Mirror) updatedWindow(current *gcal.Event, spec model.UpdateSpec) (schedule.Window, error) {
	start, duration, err := currentWindow(current)
	if err != nil && (spec.StartTime == nil || spec.DurationMinutes == nil) {
		return schedule.Window{}, model.NewInvalidRequestError(err.Error())
	}
	if spec.StartTime != nil {
		start = *spec.StartTime
	}
	if spec.DurationMinutes != nil {
		duration = *spec.DurationMinutes
	}

	w, err := schedule.ComputeWindow(start, duration, m.config.TimeZone)
	if err != nil {
		return schedule.Window{}, fmt.Errorf("failed to compute window: %w", err)
	}
	return w, nil
}

// DeleteEvent はミラー行のあるイベントをGoogleカレンダーから削除し、ミラー行を削除する。
// プロバイダーで既に削除済み（404/410）の場合もミラー行を削除する。
func (m *Mirror) DeleteEvent(ctx context.Context, principal model.Principal, eventID string) error {
	if !principal.HasRoleAtLeast(m.config.RoleThreshold) {
		return model.NewForbiddenError()
	}

	cred, err := m.creds.EnsureFreshCredential(ctx, principal.UserID)
	if err != nil {
		return err
	}

	local, err := m.events.FindByProviderEventID(ctx, principal.UserID, eventID)
	if err != nil {
		return fmt.Errorf("failed to find event: %w", err)
	}
	if local == nil {
		return model.NewEventNotFoundError(eventID, nil)
	}

	if err := m.provider.Delete(ctx, auth.Token(cred), eventID); err != nil {
		if !IsNotFound(err) {
			return model.NewProviderError("delete", err)
		}
		slog.Info("provider event already deleted",
			slog.String("user_id", principal.UserID),
			slog.String("event_id", eventID),
		)
	}

	if _, err := m.events.Delete(ctx, principal.UserID, eventID); err != nil {
		return fmt.Errorf("failed to delete local event: %w", err)
	}

	slog.Info("event deleted",
		slog.String("user_id", principal.UserID),
		slog.String("cid", local.ContextID),
		slog.Int("round", local.Round),
		slog.String("event_id", eventID),
	)
	return nil
}

// providerError はプロバイダーのエラーをAPIErrorに変換する。
func providerError(op, eventID string, err error) error {
	if IsNotFound(err) {
		return model.NewEventNotFoundError(eventID, err)
	}
	return model.NewProviderError(op, err)
}
