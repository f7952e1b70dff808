package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matst80/sqltap/internal/relay"
)

func newTestSession(t *testing.T) *relay.Session {
	t.Helper()
	c, peer := net.Pipe()
	t.Cleanup(func() { _ = c.Close(); _ = peer.Close() })
	return relay.NewSession(c, nil)
}

func TestServerStateLifecycle(t *testing.T) {
	st := newServerState()
	a, b := newTestSession(t), newTestSession(t)

	st.SessionOpened(a)
	st.SessionOpened(b)
	st.SessionFailed(newTestSession(t), errors.New("refused"))

	stats := st.getStats()
	if stats.Active != 2 || stats.Total != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if got := len(st.listSessions()); got != 2 {
		t.Errorf("listed %d sessions, want 2", got)
	}

	st.SessionClosed(a)
	stats = st.getStats()
	if stats.Active != 1 || stats.Total != 2 {
		t.Errorf("after close stats = %+v", stats)
	}
	if ids := st.listSessions(); len(ids) != 1 || ids[0].ID != b.ID() {
		t.Errorf("remaining sessions = %+v", ids)
	}
}

type fixedCounters struct{ written, dropped int64 }

func (f fixedCounters) Written() int64 { return f.written }
func (f fixedCounters) Dropped() int64 { return f.dropped }

func TestAdminState(t *testing.T) {
	st := newServerState()
	s := newTestSession(t)
	st.SessionOpened(s)

	h := adminHandler(st, fixedCounters{written: 7, dropped: 1}, false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Active != 1 || got.LogWritten != 7 || got.LogDropped != 1 {
		t.Errorf("stats = %+v", got)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].ID != s.ID() {
		t.Errorf("sessions = %+v", got.Sessions)
	}
}

func TestAdminReadiness(t *testing.T) {
	st := newServerState()
	h := adminHandler(st, nil, false)

	probe := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}
	if code := probe(); code != http.StatusServiceUnavailable {
		t.Errorf("before ready: %d", code)
	}
	st.setReady(true)
	if code := probe(); code != http.StatusOK {
		t.Errorf("ready: %d", code)
	}
	st.setClosing(true)
	if code := probe(); code != http.StatusServiceUnavailable {
		t.Errorf("closing: %d", code)
	}
}

func TestAdminDashboard(t *testing.T) {
	st := newServerState()
	st.SessionOpened(newTestSession(t))
	h := adminHandler(st, nil, true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Active sessions") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}
