package main

import (
	"sort"
	"sync"

	"github.com/matst80/sqltap/internal/obs"
	"github.com/matst80/sqltap/internal/relay"
)

type serverState struct {
	mu       sync.Mutex
	sessions map[string]*sessionInfo // id -> live session
	closing  bool
	ready    bool
	total    int64 // sessions that reached the upstream
	failed   int64 // sessions whose upstream connect failed
	// bytes relayed by sessions that already finished
	closedUp   int64
	closedDown int64
}

func newServerState() *serverState {
	return &serverState{sessions: make(map[string]*sessionInfo)}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) SessionOpened(sess *relay.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = newSessionInfo(sess)
	s.total++
}

func (s *serverState) SessionClosed(sess *relay.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID())
	s.closedUp += sess.BytesUpstream()
	s.closedDown += sess.BytesToClient()
}

func (s *serverState) SessionFailed(sess *relay.Session, err error) {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	obs.Debug("state.session_failed", obs.Fields{"session": sess.ID()}.Err(err))
}

func (s *serverState) getStats() sessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := sessionStats{
		Active:        len(s.sessions),
		Total:         s.total,
		Failed:        s.failed,
		BytesUpstream: s.closedUp,
		BytesToClient: s.closedDown,
	}
	for _, info := range s.sessions {
		up, down := info.bytes()
		st.BytesUpstream += up
		st.BytesToClient += down
	}
	return st
}

func (s *serverState) listSessions() []sessionInfo {
	s.mu.Lock()
	out := make([]sessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, *info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// liveBytes sums the counters of sessions still running.
func (s *serverState) liveBytes() (up, down int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.sessions {
		u, d := info.bytes()
		up += u
		down += d
	}
	return up, down
}
