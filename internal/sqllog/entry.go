// Package sqllog records statement payloads captured from client traffic.
//
// Entries are produced by a Recorder on the client→server pump and handed to
// a Writer, which owns the sinks and writes entries one at a time so lines
// from concurrent sessions never interleave.
package sqllog

import (
	"time"

	"github.com/matst80/sqltap/internal/proto"
)

// DefaultPath is the query log file used when none is configured.
const DefaultPath = "sql_log.txt"

// TimeLayout renders MM-DD-YYYY HH:MM:SS.
const TimeLayout = "01-02-2006 15:04:05"

// Separator sits between the timestamp and the payload.
const Separator = " / - / "

// Entry is one captured packet.
type Entry struct {
	Time      time.Time
	SessionID string
	Header    proto.Header
	Payload   []byte
}

// FormatLine renders a log line. The payload is written as raw bytes.
func FormatLine(t time.Time, payload []byte) []byte {
	ts := t.Local().Format(TimeLayout)
	line := make([]byte, 0, len(ts)+len(Separator)+len(payload)+1)
	line = append(line, ts...)
	line = append(line, Separator...)
	line = append(line, payload...)
	return append(line, '\n')
}

// Line is FormatLine applied to the entry.
func (e Entry) Line() []byte {
	return FormatLine(e.Time, e.Payload)
}
