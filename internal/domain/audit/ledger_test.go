package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/easygopharm/intake/internal/platform/auth"
)

type mockRepo struct {
	mu      sync.Mutex
	entries []*Entry
	failErr error
}

func (m *mockRepo) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := append([]*Entry(nil), m.entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	total := len(sorted)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return sorted[offset:end], total, nil
}

type countingFailures struct{ n int }

func (c *countingFailures) AuditWriteFailed() { c.n++ }

func TestLedger_RecordAppends(t *testing.T) {
	repo := &mockRepo{}
	l := NewLedger(repo, zerolog.Nop(), nil)

	l.Record(context.Background(), "User logged in: admin", "Dr. Admin")

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	e := repo.entries[0]
	if e.Action != "User logged in: admin" || e.Actor != "Dr. Admin" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Timestamp.IsZero() || e.Timestamp.Location() != time.UTC {
		t.Errorf("expected a UTC timestamp, got %v", e.Timestamp)
	}
}

func TestLedger_RecordDefaultsActor(t *testing.T) {
	repo := &mockRepo{}
	l := NewLedger(repo, zerolog.Nop(), nil)

	l.Record(context.Background(), "New drug request", "")

	if repo.entries[0].Actor != SystemActor {
		t.Errorf("expected %q, got %q", SystemActor, repo.entries[0].Actor)
	}
}

func TestLedger_RecordFailureIsSwallowed(t *testing.T) {
	repo := &mockRepo{failErr: errors.New("connection refused")}
	failures := &countingFailures{}
	var buf strings.Builder
	l := NewLedger(repo, zerolog.New(&buf), failures)

	l.Record(context.Background(), "Status updated", "pharm")

	if failures.n != 1 {
		t.Errorf("expected failure to be counted once, got %d", failures.n)
	}
	if !strings.Contains(buf.String(), "audit write failed") {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}

func TestLedger_RecordSurvivesCanceledContext(t *testing.T) {
	repo := &mockRepo{}
	l := NewLedger(repo, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, "Status updated", "pharm")

	if len(repo.entries) != 1 {
		t.Fatal("expected entry to be written after the request context ended")
	}
}

func TestLedger_ListNewestFirst(t *testing.T) {
	repo := &mockRepo{}
	l := NewLedger(repo, zerolog.Nop(), nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		l.now = func() time.Time { return at }
		l.Record(context.Background(), "action", "actor")
	}

	items, total, err := l.List(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if !items[0].Timestamp.After(items[1].Timestamp) {
		t.Error("expected newest entry first")
	}
}

func TestHandler_ListEntries(t *testing.T) {
	repo := &mockRepo{}
	l := NewLedger(repo, zerolog.Nop(), nil)
	for i := 0; i < 3; i++ {
		l.Record(context.Background(), "action", "actor")
	}
	h := NewHandler(l)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListEntries(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Link"), `rel="next"`) {
		t.Errorf("expected next link, got %q", rec.Header().Get("Link"))
	}
	if !strings.Contains(rec.Body.String(), `"total":3`) {
		t.Errorf("expected total in body, got %s", rec.Body.String())
	}
}

func TestHandler_RoutesRequireStaff(t *testing.T) {
	e := echo.New()
	h := NewHandler(NewLedger(&mockRepo{}, zerolog.Nop(), nil))
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Guest))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for guest, got %d", rec.Code)
	}
}
