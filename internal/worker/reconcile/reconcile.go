// Package reconcile はGoogleカレンダーとローカルミラーの突き合わせジョブを提供する。
// Googleカレンダー側で消えたイベントのミラー行を削除し、
// ミラー行の無いタグ付きイベントを取り込む。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/hitoshi/schedman/internal/auth"
	"github.com/hitoshi/schedman/internal/calendar"
	"github.com/hitoshi/schedman/internal/metrics"
	"github.com/hitoshi/schedman/internal/model"
	"github.com/hitoshi/schedman/internal/repository"
	"github.com/hitoshi/schedman/internal/tracing"
)

// 修復種別。メトリクスのラベルに使う。
const (
	RepairRemoved  = "removed"
	RepairAdopted  = "adopted"
	RepairConflict = "conflict"
)

const (
	defaultMaxConcurrency = 4
	// defaultAdoptGracePeriod より新しいイベントは作成処理の途中とみなし取り込まない。
	defaultAdoptGracePeriod = 10 * time.Minute

	statusCancelled = "cancelled"
)

// CredentialSource はユーザーの有効な資格情報を取得するインターフェース。
// auth.Serviceが実装する。
type CredentialSource interface {
	EnsureFreshCredential(ctx context.Context, userID string) (*model.Credential, error)
}

// UserLister は突き合わせ対象のユーザーを列挙するインターフェース。
// repository.CredentialRepositoryの部分集合として定義する。
type UserLister interface {
	ListActiveUserIDs(ctx context.Context) ([]string, error)
}

// Result は1回の突き合わせの集計結果。
type Result struct {
	Users     int // 処理したユーザー数
	Removed   int // 削除したミラー行
	Adopted   int // 取り込んだイベント
	Conflicts int // ラウンドが埋まっていて取り込めなかったイベント
	Errors    int // 処理を中断したユーザー数
}

func (r *Result) add(o Result) {
	r.Users += o.Users
	r.Removed += o.Removed
	r.Adopted += o.Adopted
	r.Conflicts += o.Conflicts
	r.Errors += o.Errors
}

// Job はユーザーごとにプロバイダーとミラーの差分を修復するジョブ。
// 何度実行しても結果は変わらない。
type Job struct {
	users    UserLister
	creds    CredentialSource
	provider calendar.Provider
	events   repository.EventRepository
	metrics  metrics.MetricsCollector
	logger   *slog.Logger

	// MaxConcurrency は同時に処理するユーザー数の上限（デフォルト: 4）。
	MaxConcurrency int
	// AdoptGracePeriod は取り込み対象とするイベントの最小経過時間（デフォルト: 10分）。
	AdoptGracePeriod time.Duration

	now func() time.Time
}

// NewJob はJobを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewJob(
	users UserLister,
	creds CredentialSource,
	provider calendar.Provider,
	events repository.EventRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Job {
	if collector == nil {
		collector = metrics.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		users:            users,
		creds:            creds,
		provider:         provider,
		events:           events,
		metrics:          collector,
		logger:           logger,
		MaxConcurrency:   defaultMaxConcurrency,
		AdoptGracePeriod: defaultAdoptGracePeriod,
		now:              time.Now,
	}
}

// Start は起動直後と interval ごとに Run を実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("突き合わせスケジューラを開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("突き合わせスケジューラを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		j.logger.Error("突き合わせサイクルの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// Run はトークンを保持している全ユーザーについて突き合わせを1回実行する。
// 個々のユーザーの失敗はログに記録してResult.Errorsに数え、他のユーザーの処理は続ける。
func (j *Job) Run(ctx context.Context) (_ Result, err error) {
	start := time.Now()

	ctx, span := tracing.StartJobSpan(ctx, "reconcile")
	defer func() { tracing.End(span, err) }()

	userIDs, err := j.users.ListActiveUserIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list users: %w", err)
	}

	var (
		mu    sync.Mutex
		total Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(j.MaxConcurrency, 1))

	for _, userID := range userIDs {
		g.Go(func() error {
			res, err := j.reconcileUser(gctx, userID)
			if err != nil {
				j.logger.Warn("ユーザーの突き合わせを中断しました",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				res.Errors++
			}
			res.Users = 1

			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	j.logger.Info("突き合わせサイクルが完了しました",
		slog.Int("users", total.Users),
		slog.Int("removed", total.Removed),
		slog.Int("adopted", total.Adopted),
		slog.Int("conflicts", total.Conflicts),
		slog.Int("errors", total.Errors),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return total, ctx.Err()
}

// reconcileUser は1ユーザー分の突き合わせを行う。
func (j *Job) reconcileUser(ctx context.Context, userID string) (Result, error) {
	var res Result

	cred, err := j.creds.EnsureFreshCredential(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("failed to load credential: %w", err)
	}
	tok := auth.Token(cred)

	// 1. プロバイダー側で消えたイベントのミラー行を削除
	rows, err := j.events.ListByUser(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("failed to list mirror rows: %w", err)
	}
	local := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		local[row.ProviderEventID] = struct{}{}

		ev, err := j.provider.Get(ctx, tok, row.ProviderEventID)
		switch {
		case calendar.IsNotFound(err):
		case err != nil:
			return res, fmt.Errorf("failed to get event %s: %w", row.ProviderEventID, err)
		case ev.Status != statusCancelled:
			continue
		}

		if _, err := j.events.Delete(ctx, userID, row.ProviderEventID); err != nil {
			return res, fmt.Errorf("failed to delete mirror row: %w", err)
		}
		delete(local, row.ProviderEventID)
		res.Removed++
		j.metrics.RecordReconcileRepair(RepairRemoved)
		j.logger.Info("削除済みイベントのミラー行を削除しました",
			slog.String("user_id", userID),
			slog.String("event_id", row.ProviderEventID),
			slog.String("cid", row.ContextID),
			slog.Int("round", row.Round),
		)
	}

	// 2. ミラー行の無いタグ付きイベントを取り込む
	managed, err := j.provider.ListManaged(ctx, tok)
	if err != nil {
		return res, fmt.Errorf("failed to list managed events: %w", err)
	}
	for _, ev := range managed {
		if _, ok := local[ev.Id]; ok || !j.adoptable(ev, userID) {
			continue
		}
		cid, round, _ := calendar.ManagedTags(ev)

		taken, err := j.events.ExistsForRound(ctx, userID, cid, round)
		if err != nil {
			return res, fmt.Errorf("failed to check round: %w", err)
		}
		if taken {
			res.Conflicts++
			j.recordConflict(userID, ev.Id, cid, round)
			continue
		}

		row := &model.ScheduledEvent{
			UserID:          userID,
			ContextID:       cid,
			ProviderEventID: ev.Id,
			Round:           round,
			Attendees:       calendar.AttendeeEmails(ev),
		}
		if err := j.events.CreateWithAttendees(ctx, row); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				res.Conflicts++
				j.recordConflict(userID, ev.Id, cid, round)
				continue
			}
			return res, fmt.Errorf("failed to adopt event %s: %w", ev.Id, err)
		}
		res.Adopted++
		j.metrics.RecordReconcileRepair(RepairAdopted)
		j.logger.Info("ミラー行の無いイベントを取り込みました",
			slog.String("user_id", userID),
			slog.String("event_id", ev.Id),
			slog.String("cid", cid),
			slog.Int("round", round),
		)
	}

	return res, nil
}

// adoptable はイベントをこのユーザーのミラー行として取り込めるかを判定する。
func (j *Job) adoptable(ev *gcal.Event, userID string) bool {
	if ev.Status == statusCancelled {
		return false
	}
	if _, _, ok := calendar.ManagedTags(ev); !ok {
		return false
	}
	if owner := calendar.OwnerTag(ev); owner != "" && owner != userID {
		return false
	}
	if ev.Created != "" {
		created, err := time.Parse(time.RFC3339, ev.Created)
		if err == nil && j.now().Sub(created) < j.AdoptGracePeriod {
			return false
		}
	}
	return true
}

func (j *Job) recordConflict(userID, eventID, cid string, round int) {
	j.metrics.RecordReconcileRepair(RepairConflict)
	j.logger.Warn("ラウンドが既に使われているためイベントを取り込めませんでした",
		slog.String("user_id", userID),
		slog.String("event_id", eventID),
		slog.String("cid", cid),
		slog.Int("round", round),
	)
}
