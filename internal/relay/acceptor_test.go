package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matst80/sqltap/internal/ratelimit"
	"github.com/matst80/sqltap/internal/sqllog"
)

type eventTracker struct {
	mu                     sync.Mutex
	opened, closed, failed int
	closedCh               chan *Session
}

func newEventTracker() *eventTracker {
	return &eventTracker{closedCh: make(chan *Session, 16)}
}

func (e *eventTracker) SessionOpened(s *Session) { e.mu.Lock(); e.opened++; e.mu.Unlock() }
func (e *eventTracker) SessionFailed(s *Session, err error) {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
	e.closedCh <- s
}
func (e *eventTracker) SessionClosed(s *Session) {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	e.closedCh <- s
}

func (e *eventTracker) counts() (int, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened, e.closed, e.failed
}

func (e *eventTracker) next(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-e.closedCh:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no session finished")
		return nil
	}
}

func TestSequentialAcceptance(t *testing.T) {
	u := startUpstream(t, echo)
	tr := newEventTracker()
	a := startRelay(t, u.addr(), WithTracker(tr))

	first := dial(t, a)
	if _, err := first.Write([]byte("one")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(first, buf); err != nil || string(buf) != "one" {
		t.Fatalf("first session echo = %q, %v", buf, err)
	}

	// the first session stays open and idle while the second one runs its whole lifecycle
	second := dial(t, a)
	if _, err := second.Write([]byte("two")); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(second, buf); err != nil || string(buf) != "two" {
		t.Fatalf("second session echo = %q, %v", buf, err)
	}
	_ = second.Close()
	tr.next(t)

	if _, err := first.Write([]byte("uno")); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(first, buf); err != nil || string(buf) != "uno" {
		t.Fatalf("first session after second closed = %q, %v", buf, err)
	}
	_ = first.Close()
	s := tr.next(t)
	if s.BytesUpstream() != 6 || s.BytesToClient() != 6 {
		t.Errorf("byte counters = %d/%d, want 6/6", s.BytesUpstream(), s.BytesToClient())
	}

	opened, closed, failed := tr.counts()
	if opened != 2 || closed != 2 || failed != 0 {
		t.Errorf("opened=%d closed=%d failed=%d", opened, closed, failed)
	}
	if u.accepted.Load() != 2 {
		t.Errorf("upstream accepted %d connections, want 2", u.accepted.Load())
	}
}

func TestAcceptorUpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	_ = ln.Close()

	tr := newEventTracker()
	a := startRelay(t, target, WithTracker(tr), WithDialer(&net.Dialer{Timeout: time.Second}))

	for i := 0; i < 2; i++ {
		c := dial(t, a)
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Fatal("expected the relay to drop the client")
		}
		tr.next(t)
	}
	if _, _, failed := tr.counts(); failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
}

func TestAcceptorRateLimit(t *testing.T) {
	u := startUpstream(t, echo)
	a := startRelay(t, u.addr(), WithLimiter(ratelimit.NewConnLimiter(0, 1, 1)))

	first := dial(t, a)
	if _, err := first.Write([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(first, make([]byte, 1)); err != nil {
		t.Fatal(err)
	}

	second := dial(t, a)
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected rate limited connection to be closed")
	}
	if n := u.accepted.Load(); n != 1 {
		t.Errorf("upstream accepted %d connections, want 1", n)
	}
}

func TestAcceptorLogsQueries(t *testing.T) {
	got := make(chan struct{})
	u := startUpstream(t, func(c net.Conn) {
		_, _ = io.ReadFull(c, make([]byte, 7+9))
		close(got)
		_, _ = io.Copy(io.Discard, c)
	})
	path := filepath.Join(t.TempDir(), "sql_log.txt")
	fs, err := sqllog.NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	w := sqllog.NewWriter(8, fs)
	tr := newEventTracker()
	a := startRelay(t, u.addr(), WithRecorder(sqllog.NewRecorder(w)), WithTracker(tr))

	c := dial(t, a)
	// query "ok" (L=3), then a ping-like packet that must not be logged
	if _, err := c.Write([]byte{0x03, 0x00, 0x00, 0x01, 0x03, 'o', 'k'}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // keep the packets in separate reads
	if _, err := c.Write([]byte{0x05, 0x00, 0x00, 0x00, 0x0e, 'q', 'u', 'i', 't'}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream did not receive both packets")
	}
	_ = c.Close()
	tr.next(t)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 1 || !strings.HasSuffix(lines[0], " / - / ok") {
		t.Errorf("log = %q", data)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := Listen("127.0.0.1:0", "127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

type tempErr struct{}

func (tempErr) Error() string   { return "temporary" }
func (tempErr) Timeout() bool   { return false }
func (tempErr) Temporary() bool { return true }

// scriptedListener returns the queued errors from Accept, then blocks until closed.
type scriptedListener struct {
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newScriptedListener(errs ...error) *scriptedListener {
	l := &scriptedListener{errs: make(chan error, len(errs)), closed: make(chan struct{})}
	for _, e := range errs {
		l.errs <- e
	}
	return l
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	select {
	case err := <-l.errs:
		return nil, err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}
func (l *scriptedListener) Close() error   { l.once.Do(func() { close(l.closed) }); return nil }
func (l *scriptedListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServeAcceptErrors(t *testing.T) {
	boom := errors.New("boom")
	a := NewAcceptor(newScriptedListener(tempErr{}, tempErr{}, boom), "127.0.0.1:1")
	err := a.Serve(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("serve = %v, want %v", err, boom)
	}
}

func TestServeClosedListener(t *testing.T) {
	l := newScriptedListener()
	a := NewAcceptor(l, "127.0.0.1:1")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = a.Close()
	}()
	if err := a.Serve(context.Background()); err != nil {
		t.Errorf("serve = %v, want nil", err)
	}
}
