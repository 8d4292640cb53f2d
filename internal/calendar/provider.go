// Package calendar はGoogleカレンダー上のイベント操作とローカルミラーの同期を提供する。
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrEventNotFound はプロバイダー上にイベントが存在しない（404/410）ことを表す。
var ErrEventNotFound = errors.New("provider event not found")

// 招待メールを全参加者に送る
const sendUpdatesAll = "all"

// conferenceDataVersion=1 でMeet会議の作成・保持を有効にする
const conferenceDataVersion = 1

// listPageSize は管理対象イベント一覧取得時の1ページあたりの件数。
const listPageSize = 250

// Provider はカレンダープロバイダーのイベント操作インターフェース。
// 全ての呼び出しはユーザーのアクセストークンで行う。
type Provider interface {
	Insert(ctx context.Context, tok *oauth2.Token, event *gcal.Event) (*gcal.Event, error)
	Get(ctx context.Context, tok *oauth2.Token, eventID string) (*gcal.Event, error)
	Update(ctx context.Context, tok *oauth2.Token, eventID string, event *gcal.Event) (*gcal.Event, error)
	Delete(ctx context.Context, tok *oauth2.Token, eventID string) error
	// ListManaged はこのサービスが作成したタグ付きイベントを全ページ取得する。
	ListManaged(ctx context.Context, tok *oauth2.Token) ([]*gcal.Event, error)
}

// GoogleProviderConfig はGoogleProviderの設定。
type GoogleProviderConfig struct {
	CalendarID string
	// Endpoint はAPIのベースURLの上書き（空ならGoogle本番）。
	Endpoint string
	// HTTPClient はトークン付与前のベースクライアント（任意）。
	HTTPClient *http.Client
}

// GoogleProvider はGoogle Calendar API v3を使うProvider実装。
type GoogleProvider struct {
	calendarID string
	endpoint   string
	httpClient *http.Client
}

// コンパイル時にインターフェースの実装を検証する。
var _ Provider = (*GoogleProvider)(nil)

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(cfg GoogleProviderConfig) *GoogleProvider {
	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleProvider{
		calendarID: calendarID,
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
	}
}

// service はトークンごとにcalendar.Serviceを組み立てる。
func (p *GoogleProvider) service(ctx context.Context, tok *oauth2.Token) (*gcal.Service, error) {
	clientCtx := ctx
	if p.httpClient != nil {
		clientCtx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	client := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(tok))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// Insert はイベントを作成し、全参加者に招待を送る。
func (p *GoogleProvider) Insert(ctx context.Context, tok *oauth2.Token, event *gcal.Event) (*gcal.Event, error) {
	svc, err := p.service(ctx, tok)
	if err != nil {
		return nil, err
	}
	created, err := svc.Events.Insert(p.calendarID, event).
		SendUpdates(sendUpdatesAll).
		ConferenceDataVersion(conferenceDataVersion).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapProviderError("insert event", err)
	}
	return created, nil
}

// Get はイベントを取得する。
func (p *GoogleProvider) Get(ctx context.Context, tok *oauth2.Token, eventID string) (*gcal.Event, error) {
	svc, err := p.service(ctx, tok)
	if err != nil {
		return nil, err
	}
	ev, err := svc.Events.Get(p.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, wrapProviderError("get event", err)
	}
	return ev, nil
}

// Update はイベントを上書き更新し、全参加者に通知する。
func (p *GoogleProvider) Update(ctx context.Context, tok *oauth2.Token, eventID string, event *gcal.Event) (*gcal.Event, error) {
	svc, err := p.service(ctx, tok)
	if err != nil {
		return nil, err
	}
	updated, err := svc.Events.Update(p.calendarID, eventID, event).
		SendUpdates(sendUpdatesAll).
		ConferenceDataVersion(conferenceDataVersion).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapProviderError("update event", err)
	}
	return updated, nil
}

// Delete はイベントを削除し、全参加者に通知する。
func (p *GoogleProvider) Delete(ctx context.Context, tok *oauth2.Token, eventID string) error {
	svc, err := p.service(ctx, tok)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(p.calendarID, eventID).
		SendUpdates(sendUpdatesAll).
		Context(ctx).
		Do(); err != nil {
		return wrapProviderError("delete event", err)
	}
	return nil
}

// ListManaged は schedman_managed=true の拡張プロパティを持つイベントを取得する。
func (p *GoogleProvider) ListManaged(ctx context.Context, tok *oauth2.Token) ([]*gcal.Event, error) {
	svc, err := p.service(ctx, tok)
	if err != nil {
		return nil, err
	}

	var events []*gcal.Event
	err = svc.Events.List(p.calendarID).
		PrivateExtendedProperty(PropManaged+"=true").
		MaxResults(listPageSize).
		Pages(ctx, func(page *gcal.Events) error {
			events = append(events, page.Items...)
			return nil
		})
	if err != nil {
		return nil, wrapProviderError("list events", err)
	}
	return events, nil
}

// IsNotFound はerrがプロバイダー上のイベント不在を表すかを判定する。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound)
}

// wrapProviderError は404/410をErrEventNotFoundとして扱えるようにラップする。
func wrapProviderError(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && (gErr.Code == http.StatusNotFound || gErr.Code == http.StatusGone) {
		return fmt.Errorf("failed to %s: %w: %w", op, ErrEventNotFound, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
