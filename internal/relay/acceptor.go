package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/sqltap/internal/obs"
	"github.com/matst80/sqltap/internal/ratelimit"
)

// Tracker is told about session lifecycle events. Calls for one session
// come from a single goroutine, in order.
type Tracker interface {
	SessionOpened(s *Session)
	SessionClosed(s *Session)
	SessionFailed(s *Session, err error)
}

// Option configures an Acceptor.
type Option func(*Acceptor)

func WithRecorder(r Recorder) Option { return func(a *Acceptor) { a.recorder = r } }

func WithTracker(t Tracker) Option { return func(a *Acceptor) { a.tracker = t } }

func WithDialer(d Dialer) Option { return func(a *Acceptor) { a.dialer = d } }

func WithLimiter(l *ratelimit.ConnLimiter) Option { return func(a *Acceptor) { a.limiter = l } }

// Acceptor accepts client connections and relays each one to the upstream.
type Acceptor struct {
	ln       net.Listener
	upstream string
	dialer   Dialer
	recorder Recorder
	tracker  Tracker
	limiter  *ratelimit.ConnLimiter

	sessions sync.WaitGroup
}

// Listen binds addr and returns an Acceptor relaying to upstream.
func Listen(addr, upstream string, opts ...Option) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewAcceptor(ln, upstream, opts...), nil
}

func NewAcceptor(ln net.Listener, upstream string, opts ...Option) *Acceptor {
	a := &Acceptor{
		ln:       ln,
		upstream: upstream,
		dialer:   &net.Dialer{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Addr is the bound listen address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Upstream is the relay target.
func (a *Acceptor) Upstream() string { return a.upstream }

// Close stops accepting. Running sessions are not interrupted.
func (a *Acceptor) Close() error { return a.ln.Close() }

// Wait blocks until every session started by Serve has finished.
func (a *Acceptor) Wait() { a.sessions.Wait() }

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection gets its own session goroutine; Serve never waits on one.
// Temporary accept errors are retried with back-off, anything else ends
// Serve with that error. Cancellation and Close return nil.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = a.ln.Close() })
	defer stop()

	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		c, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && (ne.Timeout() || ne.Temporary()) {
				delay := b.Duration()
				obs.Error("accept.temp", obs.Fields{"delay": delay.String()}.Err(err))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			obs.Error("accept", obs.Fields{"addr": a.ln.Addr().String()}.Err(err))
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			return fmt.Errorf("accept: %w", err)
		}
		b.Reset()
		a.handle(ctx, c)
	}
}

func (a *Acceptor) handle(ctx context.Context, c net.Conn) {
	if a.limiter.Enabled() && !a.limiter.AllowConnection(remoteHost(c)) {
		obs.RejectedTotal.Inc()
		obs.Warn("accept.rate_limited", obs.Fields{"remote": c.RemoteAddr().String()})
		_ = c.Close()
		return
	}
	s := NewSession(c, a.recorder)
	obs.SessionsTotal.Inc()
	a.sessions.Add(1)
	go a.run(ctx, s)
}

func (a *Acceptor) run(ctx context.Context, s *Session) {
	defer a.sessions.Done()
	if err := s.Start(ctx, a.dialer, a.upstream); err != nil {
		if a.tracker != nil {
			a.tracker.SessionFailed(s, err)
		}
		return
	}
	obs.ActiveSessions.Inc()
	obs.Info("session.open", s.fields())
	if a.tracker != nil {
		a.tracker.SessionOpened(s)
	}

	<-s.Done()

	obs.ActiveSessions.Dec()
	obs.SessionDurationSeconds.Observe(time.Since(s.StartedAt()).Seconds())
	f := s.fields()
	f["bytes_upstream"] = s.BytesUpstream()
	f["bytes_client"] = s.BytesToClient()
	obs.Info("session.closed", f)
	if a.tracker != nil {
		a.tracker.SessionClosed(s)
	}
}

func remoteHost(c net.Conn) string {
	addr := c.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
