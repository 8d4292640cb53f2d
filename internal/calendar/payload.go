package calendar

import (
	"fmt"
	"strconv"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"github.com/hitoshi/schedman/internal/model"
	"github.com/hitoshi/schedman/internal/schedule"
)

// イベントに付与するプライベート拡張プロパティのキー。
// 突き合わせジョブがローカル行の無いイベントを取り込む際の手がかりになる。
const (
	PropContextID = "schedman_cid"
	PropRound     = "schedman_round"
	PropManaged   = "schedman_managed"
	PropOwner     = "schedman_uid"
)

// リマインダー設定（分）
const (
	reminderEmailMinutes = 1440
	reminderPopupMinutes = 10
)

const conferenceTypeMeet = "hangoutsMeet"

// buildEvent は作成リクエストからプロバイダーに送るイベントを組み立てる。
// userIDは所有者タグとして記録する。
func buildEvent(userID string, spec model.EventSpec, w schedule.Window, requestID string) *gcal.Event {
	ev := &gcal.Event{
		Summary:     spec.Summary,
		Location:    spec.Location,
		Description: spec.Description,
		Visibility:  spec.Visibility,
		Attendees:   attendeeList(spec.Attendees),
		ConferenceData: &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             requestID,
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: conferenceTypeMeet},
			},
		},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: reminderEmailMinutes},
				{Method: "popup", Minutes: reminderPopupMinutes},
			},
			ForceSendFields: []string{"UseDefault"},
		},
		GuestsCanSeeOtherGuests: spec.GuestsCanSeeOtherGuests,
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{
				PropContextID: spec.ContextID,
				PropRound:     strconv.Itoa(spec.Round),
				PropManaged:   "true",
				PropOwner:     userID,
			},
		},
	}
	setWindow(ev, w)
	return ev
}

// applyUpdate は更新リクエストに含まれるフィールドだけを取得済みイベントに上書きする。
// windowがnilなら開始・終了時刻は変更しない。
func applyUpdate(ev *gcal.Event, spec model.UpdateSpec, w *schedule.Window) {
	if spec.Summary != nil {
		ev.Summary = *spec.Summary
	}
	if spec.Location != nil {
		ev.Location = *spec.Location
	}
	if spec.Description != nil {
		ev.Description = *spec.Description
	}
	if spec.Visibility != nil {
		ev.Visibility = *spec.Visibility
	}
	if spec.GuestsCanSeeOtherGuests != nil {
		v := *spec.GuestsCanSeeOtherGuests
		ev.GuestsCanSeeOtherGuests = &v
	}
	if spec.Attendees != nil {
		ev.Attendees = attendeeList(*spec.Attendees)
	}
	if spec.Round != nil {
		if ev.ExtendedProperties == nil {
			ev.ExtendedProperties = &gcal.EventExtendedProperties{}
		}
		if ev.ExtendedProperties.Private == nil {
			ev.ExtendedProperties.Private = map[string]string{}
		}
		ev.ExtendedProperties.Private[PropRound] = strconv.Itoa(*spec.Round)
	}
	if w != nil {
		setWindow(ev, *w)
	}
}

func setWindow(ev *gcal.Event, w schedule.Window) {
	ev.Start = &gcal.EventDateTime{DateTime: w.StartRFC3339(), TimeZone: w.TimeZone}
	ev.End = &gcal.EventDateTime{DateTime: w.EndRFC3339(), TimeZone: w.TimeZone}
}

// currentWindow は取得済みイベントの開始時刻と所要時間（分）を返す。
// 終日イベントなどDateTimeを持たないイベントはエラーとする。
func currentWindow(ev *gcal.Event) (time.Time, int, error) {
	if ev.Start == nil || ev.Start.DateTime == "" {
		return time.Time{}, 0, fmt.Errorf("event %s has no start date-time", ev.Id)
	}
	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to parse start of event %s: %w", ev.Id, err)
	}
	if ev.End == nil || ev.End.DateTime == "" {
		return start, 0, nil
	}
	end, err := time.Parse(time.RFC3339, ev.End.DateTime)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to parse end of event %s: %w", ev.Id, err)
	}
	return start, int(end.Sub(start) / time.Minute), nil
}

func attendeeList(emails []string) []*gcal.EventAttendee {
	if len(emails) == 0 {
		return nil
	}
	out := make([]*gcal.EventAttendee, 0, len(emails))
	for _, email := range emails {
		out = append(out, &gcal.EventAttendee{Email: email})
	}
	return out
}

// AttendeeEmails はイベントの招待者のメールアドレスを返す。
func AttendeeEmails(ev *gcal.Event) []string {
	emails := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		if a.Email != "" {
			emails = append(emails, a.Email)
		}
	}
	return emails
}

// ManagedTags はこのサービスが作成したイベントのcidとラウンドを返す。
// タグが無い、または不正な場合はokがfalseになる。
func ManagedTags(ev *gcal.Event) (contextID string, round int, ok bool) {
	if ev.ExtendedProperties == nil {
		return "", 0, false
	}
	props := ev.ExtendedProperties.Private
	if props[PropManaged] != "true" || props[PropContextID] == "" {
		return "", 0, false
	}
	round, err := strconv.Atoi(props[PropRound])
	if err != nil {
		return "", 0, false
	}
	return props[PropContextID], round, true
}

// OwnerTag はイベントを作成したユーザーのIDを返す。タグが無ければ空文字。
func OwnerTag(ev *gcal.Event) string {
	if ev.ExtendedProperties == nil {
		return ""
	}
	return ev.ExtendedProperties.Private[PropOwner]
}
