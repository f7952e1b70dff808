package main

import "github.com/matst80/sqltap/internal/relay"

// StateStore tracks relay sessions for the admin endpoints. It is fed by the
// acceptor through the relay.Tracker methods.
type StateStore interface {
	relay.Tracker
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	// stats helpers (not exported outside package main)
	getStats() sessionStats
	listSessions() []sessionInfo
}
