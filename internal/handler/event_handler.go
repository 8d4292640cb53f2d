package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/hitoshi/schedman/internal/model"
	"github.com/hitoshi/schedman/internal/schedule"
)

// EventServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
// calendar.Mirrorが実装する。
type EventServiceInterface interface {
	CreateEvent(ctx context.Context, principal model.Principal, spec model.EventSpec) (*model.ScheduledEvent, *gcal.Event, error)
	ListEvents(ctx context.Context, principal model.Principal, contextID string) ([]*model.ScheduledEvent, error)
	GetEvent(ctx context.Context, principal model.Principal, eventID string) (*gcal.Event, error)
	UpdateEvent(ctx context.Context, principal model.Principal, eventID string, spec model.UpdateSpec) (*gcal.Event, error)
	DeleteEvent(ctx context.Context, principal model.Principal, eventID string) error
}

// EventHandlerConfig はイベントハンドラーの設定。
type EventHandlerConfig struct {
	// TimeZone はオフセット無しの開始時刻を解釈するタイムゾーン。
	TimeZone string
}

// EventHandler はカレンダーイベント管理のHTTPハンドラー。
type EventHandler struct {
	service EventServiceInterface
	config  EventHandlerConfig
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface, config EventHandlerConfig) *EventHandler {
	return &EventHandler{service: service, config: config}
}

// createEventRequest はイベント作成リクエストのボディ。
type createEventRequest struct {
	ContextID               string   `json:"cid"`
	Round                   *int     `json:"round"`
	Summary                 string   `json:"summary"`
	Location                string   `json:"location"`
	Description             string   `json:"description"`
	Visibility              string   `json:"visibility"`
	Attendees               []string `json:"attendees"`
	StartTime               string   `json:"startTime"`
	Duration                int      `json:"duration"`
	GuestsCanSeeOtherGuests *bool    `json:"guestsCanSeeOtherGuests"`
}

// updateEventRequest はイベント更新リクエストのボディ。省略したフィールドは更新しない。
type updateEventRequest struct {
	Summary                 *string   `json:"summary"`
	Location                *string   `json:"location"`
	Description             *string   `json:"description"`
	Visibility              *string   `json:"visibility"`
	Attendees               *[]string `json:"attendees"`
	StartTime               *string   `json:"startTime"`
	Duration                *int      `json:"duration"`
	Round                   *int      `json:"round"`
	GuestsCanSeeOtherGuests *bool     `json:"guestsCanSeeOtherGuests"`
}

// scheduledEventResponse はローカルミラー行のAPIレスポンス。
type scheduledEventResponse struct {
	ID        string    `json:"id"`
	ContextID string    `json:"cid"`
	EventID   string    `json:"eventId"`
	Round     int       `json:"round"`
	Attendees []string  `json:"attendees"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// createEventResponse はイベント作成のAPIレスポンス。
type createEventResponse struct {
	Event     scheduledEventResponse `json:"event"`
	EventData *gcal.Event            `json:"eventData"`
}

// CreateEvent はイベントを作成する。
// POST /api/event-create
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	var req createEventRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.ContextID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("cidが指定されていません"))
		return
	}
	if req.Round == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("roundが指定されていません"))
		return
	}
	if *req.Round < 1 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("roundは1以上で指定してください"))
		return
	}
	if req.Duration < 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("durationは0以上で指定してください"))
		return
	}

	start, err := schedule.ParseStart(req.StartTime, h.config.TimeZone)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("startTimeの形式が不正です"))
		return
	}

	spec := model.EventSpec{
		ContextID:               req.ContextID,
		Round:                   *req.Round,
		Summary:                 req.Summary,
		Location:                req.Location,
		Description:             req.Description,
		Visibility:              req.Visibility,
		Attendees:               req.Attendees,
		StartTime:               start,
		DurationMinutes:         req.Duration,
		GuestsCanSeeOtherGuests: req.GuestsCanSeeOtherGuests,
	}

	event, providerEvent, err := h.service.CreateEvent(r.Context(), principal, spec)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "イベントを作成しました。", createEventResponse{
		Event:     toScheduledEventResponse(event),
		EventData: providerEvent,
	})
}

// ListEvents は指定cidのイベントをラウンド昇順で返す。
// GET /api/events/{cid}
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	events, err := h.service.ListEvents(r.Context(), principal, chi.URLParam(r, "cid"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]scheduledEventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, toScheduledEventResponse(ev))
	}

	writeSuccess(w, http.StatusOK, "イベントを取得しました。", resp)
}

// GetEvent はGoogleカレンダーからイベントを取得する。
// GET /api/event/{eventId}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	ev, err := h.service.GetEvent(r.Context(), principal, chi.URLParam(r, "eventId"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "イベントを取得しました。", ev)
}

// UpdateEvent はイベントを部分更新する。
// PUT /api/event/{eventId}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	var req updateEventRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Duration != nil && *req.Duration < 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("durationは0以上で指定してください"))
		return
	}
	if req.Round != nil && *req.Round < 1 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("roundは1以上で指定してください"))
		return
	}

	spec := model.UpdateSpec{
		Summary:                 req.Summary,
		Location:                req.Location,
		Description:             req.Description,
		Visibility:              req.Visibility,
		Attendees:               req.Attendees,
		DurationMinutes:         req.Duration,
		Round:                   req.Round,
		GuestsCanSeeOtherGuests: req.GuestsCanSeeOtherGuests,
	}
	if req.StartTime != nil {
		start, err := schedule.ParseStart(*req.StartTime, h.config.TimeZone)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("startTimeの形式が不正です"))
			return
		}
		spec.StartTime = &start
	}

	ev, err := h.service.UpdateEvent(r.Context(), principal, chi.URLParam(r, "eventId"), spec)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "イベントを更新しました。", ev)
}

// DeleteEvent はイベントを削除する。
// DELETE /api/event/{eventId}
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteEvent(r.Context(), principal, chi.URLParam(r, "eventId")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "イベントを削除しました。", nil)
}

// toScheduledEventResponse はモデルをAPIレスポンスに変換する。
func toScheduledEventResponse(ev *model.ScheduledEvent) scheduledEventResponse {
	attendees := ev.Attendees
	if attendees == nil {
		attendees = []string{}
	}
	return scheduledEventResponse{
		ID:        ev.ID,
		ContextID: ev.ContextID,
		EventID:   ev.ProviderEventID,
		Round:     ev.Round,
		Attendees: attendees,
		CreatedAt: ev.CreatedAt,
		UpdatedAt: ev.UpdatedAt,
	}
}
