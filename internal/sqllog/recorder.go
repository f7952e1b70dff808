package sqllog

import (
	"time"

	"github.com/matst80/sqltap/internal/obs"
	"github.com/matst80/sqltap/internal/proto"
)

// Recorder inspects client chunks and queues loggable payloads.
type Recorder struct {
	w   *Writer
	now func() time.Time
}

func NewRecorder(w *Writer) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// Observe is called with every chunk read from a client before it is
// forwarded. chunk is only valid for the duration of the call.
func (r *Recorder) Observe(sessionID string, chunk []byte) {
	p, ok := proto.Inspect(chunk)
	if !ok {
		return
	}
	e := Entry{
		Time:      r.now(),
		SessionID: sessionID,
		Header:    p.Header,
		Payload:   append([]byte(nil), p.Payload...),
	}
	if r.w.Append(e) {
		obs.PacketsLoggedTotal.WithLabelValues(proto.CommandName(p.Header.Command)).Inc()
		obs.Debug("packet.logged", obs.Fields{"session": sessionID, "command": proto.CommandName(p.Header.Command), "bytes": len(e.Payload)})
	}
}
