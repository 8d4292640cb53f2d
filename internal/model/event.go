package model

import "time"

// ScheduledEvent はGoogleカレンダー上のイベントに対応するローカルのミラー行を表す。
// (UserID, ContextID, Round) はユーザー内で一意。
type ScheduledEvent struct {
	ID              string
	UserID          string
	ContextID       string
	ProviderEventID string
	Round           int
	Attendees       []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Attendee はイベントの招待者を表す。ScheduledEventの削除時にCASCADE削除される。
type Attendee struct {
	ID              string
	ProviderEventID string
	Email           string
	Position        int // 招待順
	CreatedAt       time.Time
}

// EventSpec はイベント作成リクエストの内容を表す。
type EventSpec struct {
	ContextID               string
	Round                   int
	Summary                 string
	Location                string
	Description             string
	Visibility              string
	Attendees               []string
	StartTime               time.Time
	DurationMinutes         int
	GuestsCanSeeOtherGuests *bool
}

// UpdateSpec はイベント更新リクエストの内容を表す。
// nilのフィールドは更新せず、プロバイダーから取得した値をそのまま残す。
type UpdateSpec struct {
	Summary                 *string
	Location                *string
	Description             *string
	Visibility              *string
	Attendees               *[]string
	StartTime               *time.Time
	DurationMinutes         *int
	Round                   *int
	GuestsCanSeeOtherGuests *bool
}

// HasWindowChange は開始時刻または所要時間の変更を含むかを返す。
func (s UpdateSpec) HasWindowChange() bool {
	return s.StartTime != nil || s.DurationMinutes != nil
}
