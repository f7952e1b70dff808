package main

import (
	"time"

	"github.com/matst80/sqltap/internal/relay"
)

// sessionInfo describes one live session. session is only set on the
// instance that is relaying it.
type sessionInfo struct {
	ID       string    `json:"id"`
	Client   string    `json:"client"`
	Upstream string    `json:"upstream"`
	Started  time.Time `json:"started"`
	session  *relay.Session
}

func newSessionInfo(s *relay.Session) *sessionInfo {
	return &sessionInfo{ID: s.ID(), Client: s.ClientAddr(), Upstream: s.UpstreamAddr(), Started: s.StartedAt(), session: s}
}

func (i sessionInfo) bytes() (up, down int64) {
	if i.session == nil {
		return 0, 0
	}
	return i.session.BytesUpstream(), i.session.BytesToClient()
}

// sessionStats aggregates counters across sessions.
type sessionStats struct {
	Active        int
	Total         int64
	Failed        int64
	BytesUpstream int64
	BytesToClient int64
}
