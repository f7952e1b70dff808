package main

import (
	"time"

	"github.com/jpillora/sizestr"
)

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Active        int           `json:"active"`
	Total         int64         `json:"total_sessions"`
	Failed        int64         `json:"failed_sessions"`
	BytesUpstream int64         `json:"bytes_upstream"`
	BytesToClient int64         `json:"bytes_client"`
	LogWritten    int64         `json:"log_written"`
	LogDropped    int64         `json:"log_dropped"`
	Sessions      []sessionView `json:"sessions"`
	Now           string        `json:"now"`
}

type sessionView struct {
	sessionInfo
	BytesUpstream int64  `json:"bytes_upstream"`
	BytesToClient int64  `json:"bytes_client"`
	Age           string `json:"age"`
}

// logCounters is satisfied by *sqllog.Writer.
type logCounters interface {
	Written() int64
	Dropped() int64
}

func collectStats(s StateStore, lc logCounters) Stats {
	st := s.getStats()
	now := time.Now()
	out := Stats{
		Active:        st.Active,
		Total:         st.Total,
		Failed:        st.Failed,
		BytesUpstream: st.BytesUpstream,
		BytesToClient: st.BytesToClient,
		Sessions:      []sessionView{},
		Now:           now.UTC().Format(time.RFC3339),
	}
	if lc != nil {
		out.LogWritten = lc.Written()
		out.LogDropped = lc.Dropped()
	}
	for _, info := range s.listSessions() {
		up, down := info.bytes()
		out.Sessions = append(out.Sessions, sessionView{
			sessionInfo:   info,
			BytesUpstream: up,
			BytesToClient: down,
			Age:           now.Sub(info.Started).Truncate(time.Second).String(),
		})
	}
	return out
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":     s.Active,
		"Total":      s.Total,
		"Failed":     s.Failed,
		"Upstream":   sizestr.ToString(s.BytesUpstream),
		"Client":     sizestr.ToString(s.BytesToClient),
		"LogWritten": s.LogWritten,
		"LogDropped": s.LogDropped,
		"Sessions":   s.Sessions,
	}
}
