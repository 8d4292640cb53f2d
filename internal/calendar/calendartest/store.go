package calendartest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/schedman/internal/model"
	"github.com/hitoshi/schedman/internal/repository"
)

// EventStore はテスト用のメモリ上のEventRepository実装。
// (user_id, cid, round) と provider_event_id の一意制約を再現する。
type EventStore struct {
	mu   sync.Mutex
	rows map[string]model.ScheduledEvent // providerEventID -> row

	// CreateErr がnilでなければCreateWithAttendeesはこのエラーを返す。
	CreateErr error
	// DeleteErr がnilでなければDeleteはこのエラーを返す。
	DeleteErr error
}

var _ repository.EventRepository = (*EventStore)(nil)

// NewEventStore はEventStoreを生成する。
func NewEventStore(rows ...model.ScheduledEvent) *EventStore {
	s := &EventStore{rows: make(map[string]model.ScheduledEvent)}
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		s.rows[r.ProviderEventID] = r
	}
	return s
}

// Rows は全行をプロバイダーのイベントID順で返す。
func (s *EventStore) Rows() []model.ScheduledEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledEvent, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderEventID < out[j].ProviderEventID })
	return out
}

// Len は行数を返す。
func (s *EventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *EventStore) ExistsForRound(_ context.Context, userID, contextID string, round int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findRound(userID, contextID, round) != nil, nil
}

func (s *EventStore) findRound(userID, contextID string, round int) *model.ScheduledEvent {
	for _, r := range s.rows {
		if r.UserID == userID && r.ContextID == contextID && r.Round == round {
			r := r
			return &r
		}
	}
	return nil
}

func (s *EventStore) CreateWithAttendees(_ context.Context, event *model.ScheduledEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if _, ok := s.rows[event.ProviderEventID]; ok || s.findRound(event.UserID, event.ContextID, event.Round) != nil {
		return fmt.Errorf("failed to insert scheduled event: %w", repository.ErrDuplicate)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	row := *event
	row.Attendees = append([]string(nil), event.Attendees...)
	s.rows[event.ProviderEventID] = row
	return nil
}

func (s *EventStore) FindByProviderEventID(_ context.Context, userID, providerEventID string) (*model.ScheduledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[providerEventID]
	if !ok || r.UserID != userID {
		return nil, nil
	}
	r.Attendees = append([]string(nil), r.Attendees...)
	return &r, nil
}

func (s *EventStore) ListByContext(_ context.Context, userID, contextID string) ([]*model.ScheduledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.ScheduledEvent{}
	for _, r := range s.rows {
		if r.UserID == userID && r.ContextID == contextID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

func (s *EventStore) ListByUser(_ context.Context, userID string) ([]*model.ScheduledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.ScheduledEvent{}
	for _, r := range s.rows {
		if r.UserID == userID {
			r := r
			r.Attendees = nil
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderEventID < out[j].ProviderEventID })
	return out, nil
}

func (s *EventStore) ReplaceAttendeesAndRound(_ context.Context, userID, providerEventID string, attendees []string, round *int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[providerEventID]
	if !ok || r.UserID != userID {
		return false, nil
	}
	if round != nil && *round != r.Round {
		if s.findRound(userID, r.ContextID, *round) != nil {
			return false, fmt.Errorf("failed to update round: %w", repository.ErrDuplicate)
		}
		r.Round = *round
	}
	r.Attendees = append([]string(nil), attendees...)
	s.rows[providerEventID] = r
	return true, nil
}

func (s *EventStore) Delete(_ context.Context, userID, providerEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return false, s.DeleteErr
	}
	r, ok := s.rows[providerEventID]
	if !ok || r.UserID != userID {
		return false, nil
	}
	delete(s.rows, providerEventID)
	return true, nil
}
