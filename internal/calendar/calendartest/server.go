// Package calendartest はテスト用のGoogle Calendar API v3互換サーバーを提供する。
// Eventsリソースの insert/get/update/delete/list と、操作単位の障害注入に対応する。
package calendartest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"
)

// Op はEventsリソースに対する操作種別。
type Op string

const (
	OpInsert Op = "insert"
	OpGet    Op = "get"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Request は受信したリクエストの記録。
type Request struct {
	Op            Op
	Method        string
	CalendarID    string
	EventID       string
	Query         url.Values
	Authorization string
}

// Server はテスト用のGoogle Calendar APIサーバー。
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	events   map[string]map[string]*calendar.Event // calendarID -> eventID -> event
	seq      map[string]int                        // eventID -> 作成順
	nextID   int
	failures map[Op][]int
	requests []Request
}

// NewServer はテスト用サーバーを起動する。呼び出し側でCloseすること。
func NewServer() *Server {
	s := &Server{}
	s.reset()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	s.Server = httptest.NewServer(mux)
	return s
}

// Reset は保持しているイベント、障害注入、リクエスト記録をすべて破棄する。
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Server) reset() {
	s.events = make(map[string]map[string]*calendar.Event)
	s.seq = make(map[string]int)
	s.nextID = 1
	s.failures = make(map[Op][]int)
	s.requests = nil
}

// FailNext は次のop呼び出しを指定ステータスで失敗させる。複数回呼ぶと順に消費される。
func (s *Server) FailNext(op Op, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], status)
}

// Requests は受信したリクエストの記録を返す。
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count は指定操作の受信回数を返す。障害注入で失敗させた呼び出しも含む。
func (s *Server) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Op == op {
			n++
		}
	}
	return n
}

// AddEvent はイベントを直接登録する。Idが空なら採番する。
func (s *Server) AddEvent(calendarID string, event *calendar.Event) *calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Id == "" {
		event.Id = s.newID()
	}
	if event.Status == "" {
		event.Status = "confirmed"
	}
	s.store(calendarID, event)
	return event
}

// GetEvent は登録済みイベントを返す。存在しなければnil。
func (s *Server) GetEvent(calendarID, eventID string) *calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[calendarID][eventID]
}

// Events はカレンダーの全イベントを作成順で返す。キャンセル済みも含む。
func (s *Server) Events(calendarID string) []*calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(calendarID)
}

// CancelEvent はイベントをキャンセル済みにする（Google側での削除を模す）。
func (s *Server) CancelEvent(calendarID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev := s.events[calendarID][eventID]; ev != nil {
		ev.Status = "cancelled"
	}
}

// RemoveEvent はイベントを完全に削除する。以後のGetは404になる。
func (s *Server) RemoveEvent(calendarID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events[calendarID], eventID)
}

func (s *Server) newID() string {
	id := fmt.Sprintf("event%d", s.nextID)
	s.nextID++
	return id
}

func (s *Server) store(calendarID string, event *calendar.Event) {
	if s.events[calendarID] == nil {
		s.events[calendarID] = make(map[string]*calendar.Event)
	}
	if _, ok := s.seq[event.Id]; !ok {
		s.seq[event.Id] = len(s.seq)
	}
	s.events[calendarID][event.Id] = event
}

func (s *Server) sorted(calendarID string) []*calendar.Event {
	events := make([]*calendar.Event, 0, len(s.events[calendarID]))
	for _, ev := range s.events[calendarID] {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return s.seq[events[i].Id] < s.seq[events[j].Id]
	})
	return events
}

// handleRequest は /calendars/{calendarId}/events[/{eventId}] をルーティングする。
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	idx := strings.Index(path, "/calendars/")
	if idx == -1 {
		writeError(w, http.StatusNotFound, "unsupported endpoint")
		return
	}

	parts := strings.Split(strings.Trim(path[idx+len("/calendars/"):], "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[1] != "events" {
		writeError(w, http.StatusNotFound, "unsupported resource")
		return
	}

	calendarID := parts[0]
	eventID := ""
	if len(parts) == 3 {
		eventID = parts[2]
	}

	var op Op
	switch {
	case eventID == "" && r.Method == http.MethodGet:
		op = OpList
	case eventID == "" && r.Method == http.MethodPost:
		op = OpInsert
	case eventID != "" && r.Method == http.MethodGet:
		op = OpGet
	case eventID != "" && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		op = OpUpdate
	case eventID != "" && r.Method == http.MethodDelete:
		op = OpDelete
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Op:            op,
		Method:        r.Method,
		CalendarID:    calendarID,
		EventID:       eventID,
		Query:         r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
	})

	if queued := s.failures[op]; len(queued) > 0 {
		s.failures[op] = queued[1:]
		writeError(w, queued[0], "injected failure")
		return
	}

	switch op {
	case OpList:
		s.listEvents(w, r, calendarID)
	case OpInsert:
		s.insertEvent(w, r, calendarID)
	case OpGet:
		s.getEvent(w, calendarID, eventID)
	case OpUpdate:
		s.updateEvent(w, r, calendarID, eventID)
	case OpDelete:
		s.deleteEvent(w, calendarID, eventID)
	}
}

func (s *Server) insertEvent(w http.ResponseWriter, r *http.Request, calendarID string) {
	var event calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	event.Id = s.newID()
	event.Status = "confirmed"
	event.Created = now
	event.Updated = now
	event.HtmlLink = "https://calendar.google.com/event?eid=" + event.Id

	if r.URL.Query().Get("conferenceDataVersion") == "1" &&
		event.ConferenceData != nil && event.ConferenceData.CreateRequest != nil {
		meetURI := "https://meet.google.com/" + event.Id
		event.HangoutLink = meetURI
		event.ConferenceData.ConferenceId = event.Id
		event.ConferenceData.CreateRequest.Status = &calendar.ConferenceRequestStatus{StatusCode: "success"}
		event.ConferenceData.EntryPoints = []*calendar.EntryPoint{
			{EntryPointType: "video", Uri: meetURI},
		}
	}

	s.store(calendarID, &event)
	writeJSON(w, http.StatusOK, &event)
}

func (s *Server) getEvent(w http.ResponseWriter, calendarID, eventID string) {
	event := s.events[calendarID][eventID]
	if event == nil {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// updateEvent はPUTのセマンティクスでイベント全体を置き換える。
func (s *Server) updateEvent(w http.ResponseWriter, r *http.Request, calendarID, eventID string) {
	existing := s.events[calendarID][eventID]
	if existing == nil || existing.Status == "cancelled" {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	var updates calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	updates.Id = eventID
	updates.Created = existing.Created
	updates.Updated = time.Now().UTC().Format(time.RFC3339)
	updates.HtmlLink = existing.HtmlLink
	if updates.Status == "" {
		updates.Status = existing.Status
	}

	s.store(calendarID, &updates)
	writeJSON(w, http.StatusOK, &updates)
}

// deleteEvent は削除済みイベントの再削除に410を返す。
func (s *Server) deleteEvent(w http.ResponseWriter, calendarID, eventID string) {
	event := s.events[calendarID][eventID]
	if event == nil {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if event.Status == "cancelled" {
		writeError(w, http.StatusGone, "Resource has been deleted")
		return
	}
	delete(s.events[calendarID], eventID)
	w.WriteHeader(http.StatusNoContent)
}

// listEvents は privateExtendedProperty と showDeleted、ページングに対応する。
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, calendarID string) {
	query := r.URL.Query()
	filters := query["privateExtendedProperty"]
	showDeleted := query.Get("showDeleted") == "true"

	var matched []*calendar.Event
	for _, ev := range s.sorted(calendarID) {
		if ev.Status == "cancelled" && !showDeleted {
			continue
		}
		if !matchPrivate(ev, filters) {
			continue
		}
		matched = append(matched, ev)
	}

	start := 0
	if token := query.Get("pageToken"); token != "" {
		if n, err := strconv.Atoi(token); err == nil && n >= 0 && n <= len(matched) {
			start = n
		}
	}
	end := len(matched)
	if maxResults, err := strconv.Atoi(query.Get("maxResults")); err == nil && maxResults > 0 && start+maxResults < end {
		end = start + maxResults
	}

	resp := &calendar.Events{
		Kind:    "calendar#events",
		Summary: calendarID,
		Items:   matched[start:end],
	}
	if end < len(matched) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func matchPrivate(ev *calendar.Event, filters []string) bool {
	for _, f := range filters {
		key, value, _ := strings.Cut(f, "=")
		if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private[key] != value {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError はGoogle APIと同じ形式のエラーレスポンスを返す。
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
		},
	})
}
