// Package relay forwards TCP connections to a fixed upstream, showing every
// client→upstream chunk to a Recorder before it is written.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/sqltap/internal/obs"
)

// BufferSize is the per-direction read buffer. Larger writes from a peer
// are relayed over several read/write cycles.
const BufferSize = 8192

// Recorder sees client bytes before they are forwarded upstream. chunk is
// reused after Observe returns.
type Recorder interface {
	Observe(sessionID string, chunk []byte)
}

// Dialer opens the upstream leg. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type nopRecorder struct{}

func (nopRecorder) Observe(string, []byte) {}

// Session pairs one accepted client connection with its upstream connection.
type Session struct {
	id       string
	client   net.Conn
	upstream net.Conn
	target   string
	recorder Recorder
	started  time.Time

	clientBuf   [BufferSize]byte
	upstreamBuf [BufferSize]byte

	mu           sync.Mutex
	clientOpen   bool
	upstreamOpen bool

	toUpstream   atomic.Int64
	toClient     atomic.Int64
	pumps        sync.WaitGroup
	done         chan struct{}
	finishedOnce sync.Once
}

// NewSession wraps an accepted client connection. A nil recorder disables inspection.
func NewSession(client net.Conn, recorder Recorder) *Session {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Session{
		id:         uuid.NewString(),
		client:     client,
		recorder:   recorder,
		started:    time.Now(),
		clientOpen: true,
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) StartedAt() time.Time { return s.started }
func (s *Session) UpstreamAddr() string { return s.target }
func (s *Session) BytesUpstream() int64 { return s.toUpstream.Load() }
func (s *Session) BytesToClient() int64 { return s.toClient.Load() }

func (s *Session) ClientAddr() string {
	if a := s.client.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Done is closed once the session has been closed and both pumps have returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) fields() obs.Fields {
	return obs.Fields{"session": s.id, "client": s.ClientAddr(), "upstream": s.target}
}

// Start connects to the upstream and launches both pumps without waiting
// for them. If the connect fails both legs are closed and the error returned.
func (s *Session) Start(ctx context.Context, d Dialer, target string) error {
	s.target = target
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		obs.Error("session.connect", s.fields().Err(err))
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		s.Close()
		s.finish()
		return fmt.Errorf("connect %s: %w", target, err)
	}

	s.mu.Lock()
	if !s.clientOpen {
		// closed while dialling
		s.mu.Unlock()
		_ = conn.Close()
		s.finish()
		return net.ErrClosed
	}
	s.upstream = conn
	s.upstreamOpen = true
	s.mu.Unlock()

	obs.Debug("session.connected", s.fields())
	s.pumps.Add(2)
	go s.pump(s.upstream, s.client, s.clientBuf[:], &s.toUpstream, "upstream", true)
	go s.pump(s.client, s.upstream, s.upstreamBuf[:], &s.toClient, "downstream", false)
	go func() {
		s.pumps.Wait()
		s.finish()
	}()
	return nil
}

// pump relays src to dst one chunk at a time: a chunk is fully written
// before the next read is issued.
func (s *Session) pump(dst, src net.Conn, buf []byte, counter *atomic.Int64, direction string, inspect bool) {
	defer s.pumps.Done()
	bytesTotal := obs.BytesTotal.WithLabelValues(direction)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if inspect {
				s.recorder.Observe(s.id, chunk)
			}
			if _, werr := dst.Write(chunk); werr != nil {
				s.pumpFailed("pump.write", direction, werr)
				return
			}
			counter.Add(int64(n))
			bytesTotal.Add(float64(n))
		}
		if rerr != nil {
			s.pumpFailed("pump.read", direction, rerr)
			return
		}
	}
}

func (s *Session) pumpFailed(event, direction string, err error) {
	f := s.fields().Err(err)
	f["direction"] = direction
	if isClosed(err) {
		obs.Debug(event, f)
	} else {
		obs.Error(event, f)
		obs.ErrorsTotal.WithLabelValues("pump").Inc()
	}
	s.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Close shuts the client leg and then the upstream leg. It is safe to call
// from both pumps at once; calls after the first do nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.clientOpen {
		s.clientOpen = false
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.upstreamOpen {
		s.upstreamOpen = false
		if err := s.upstream.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClientOpen reports whether the client leg is still open.
func (s *Session) ClientOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientOpen
}

// UpstreamOpen reports whether the upstream leg is connected and open.
func (s *Session) UpstreamOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamOpen
}

func (s *Session) finish() {
	s.finishedOnce.Do(func() { close(s.done) })
}
