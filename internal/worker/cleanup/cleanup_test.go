package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// fakeResult はExecContextの結果を固定値で返す。
type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

// mockExecutor は実行されたSQLと引数を記録する。
type mockExecutor struct {
	calls  int
	query  string
	args   []any
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// lastLogEntry は最後に出力されたJSONログ行を返す。
func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("failed to parse log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func intPtr(v int) *int { return &v }

func TestNewCleanupJob_DefaultGraceDays(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, slog.Default())
	if job.GraceDays != 7 {
		t.Errorf("GraceDays = %d, want 7", job.GraceDays)
	}
}

func TestCleanupJob_Run_DeletesExpiredSessions(t *testing.T) {
	tests := []struct {
		name      string
		graceDays *int
		wantArg   string
	}{
		{"default grace period", nil, "7 days"},
		{"custom grace period", intPtr(30), "30 days"},
		{"immediate", intPtr(0), "0 days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{result: &fakeResult{rowsAffected: 3}}
			job := NewCleanupJob(mock, newTestLogger(&buf))
			if tt.graceDays != nil {
				job.GraceDays = *tt.graceDays
			}

			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if mock.calls != 1 {
				t.Fatalf("ExecContext calls = %d, want 1", mock.calls)
			}
			for _, want := range []string{"DELETE FROM sessions", "expires_at <", "$1::interval"} {
				if !strings.Contains(mock.query, want) {
					t.Errorf("query should contain %q: %s", want, mock.query)
				}
			}
			if len(mock.args) != 1 || mock.args[0] != tt.wantArg {
				t.Errorf("args = %v, want [%q]", mock.args, tt.wantArg)
			}
		})
	}
}

func TestCleanupJob_Run_LogsSummary(t *testing.T) {
	tests := []struct {
		name    string
		deleted int64
	}{
		{"some sessions", 42},
		{"nothing to delete", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{result: &fakeResult{rowsAffected: tt.deleted}}
			job := NewCleanupJob(mock, newTestLogger(&buf))

			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			entry := lastLogEntry(t, &buf)
			if entry["level"] != "INFO" {
				t.Errorf("level = %v, want INFO", entry["level"])
			}
			if entry["deleted_count"] != float64(tt.deleted) {
				t.Errorf("deleted_count = %v, want %d", entry["deleted_count"], tt.deleted)
			}
			if entry["grace_days"] != float64(7) {
				t.Errorf("grace_days = %v, want 7", entry["grace_days"])
			}
			if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
				t.Errorf("duration_ms = %v, want >= 0", entry["duration_ms"])
			}
		})
	}
}

func TestCleanupJob_Run_DBError(t *testing.T) {
	var buf bytes.Buffer
	dbErr := errors.New("sql: connection is already closed")
	job := NewCleanupJob(&mockExecutor{err: dbErr}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, dbErr) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, dbErr)
	}
	if !strings.Contains(err.Error(), "failed to delete expired sessions") {
		t.Errorf("error = %q", err.Error())
	}

	entry := lastLogEntry(t, &buf)
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
}

func TestCleanupJob_Run_RowsAffectedError(t *testing.T) {
	var buf bytes.Buffer
	resErr := errors.New("driver does not support RowsAffected")
	job := NewCleanupJob(&mockExecutor{result: &fakeResult{err: resErr}}, newTestLogger(&buf))

	if err := job.Run(context.Background()); !errors.Is(err, resErr) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, resErr)
	}
}

func TestCleanupJob_Run_IsRepeatable(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("run %d: error = %v", i+1, err)
		}
	}
	if mock.calls != 2 {
		t.Errorf("ExecContext calls = %d, want 2", mock.calls)
	}
}

// signalExecutor は ExecContext が呼ばれるたびに通知する。
type signalExecutor struct {
	called chan struct{}
}

func (e *signalExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	select {
	case e.called <- struct{}{}:
	default:
	}
	return &fakeResult{rowsAffected: 0}, nil
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	exec := &signalExecutor{called: make(chan struct{}, 1)}
	job := NewCleanupJob(exec, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	select {
	case <-exec.called:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not run the job immediately")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
