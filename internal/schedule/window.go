// Package schedule はイベントの時間枠計算とラウンド一意性の判定を提供する。
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Window はプロバイダーに渡すイベントの開始・終了時刻を表す。
// Start/EndはUTCの時刻で、TimeZoneはカレンダー表示用のIANAタイムゾーン名。
type Window struct {
	Start    time.Time
	End      time.Time
	TimeZone string
}

// StartRFC3339 は開始時刻をUTCオフセット付きのRFC3339文字列で返す。
func (w Window) StartRFC3339() string {
	return w.Start.UTC().Format(time.RFC3339)
}

// EndRFC3339 は終了時刻をUTCオフセット付きのRFC3339文字列で返す。
func (w Window) EndRFC3339() string {
	return w.End.UTC().Format(time.RFC3339)
}

// Duration は時間枠の長さを返す。
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// ComputeWindow は開始時刻と所要時間（分）から時間枠を計算する。
// 所要時間0のイベントを許容する。負の値の拒否は呼び出し側で行う。
func ComputeWindow(start time.Time, durationMinutes int, tz string) (Window, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Window{}, fmt.Errorf("invalid time zone %q: %w", tz, err)
	}

	startInZone := start.In(loc)
	end := startInZone.Add(time.Duration(durationMinutes) * time.Minute)

	return Window{
		Start:    startInZone.UTC(),
		End:      end.UTC(),
		TimeZone: loc.String(),
	}, nil
}

// wall-clock形式（タイムゾーン指定なし）
var wallClockLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseStart はリクエストの開始時刻文字列を解析する。
// オフセット付きRFC3339はそのまま、オフセットなしの日時はtzの現地時刻として解釈する。
func ParseStart(raw, tz string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("start time is empty")
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time zone %q: %w", tz, err)
	}
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized start time format: %q", raw)
}
