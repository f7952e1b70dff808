package proto

import "fmt"

// HeaderLen is the size of the packet header: 3 byte little-endian length,
// 1 byte sequence id and the command byte.
const HeaderLen = 5

// Command codes that carry loggable statement text.
const (
	ComQuery       byte = 0x03
	ComStmtPrepare byte = 0x16
)

// Header is the fixed prefix of a client packet.
type Header struct {
	Length   uint32 // 24 bits on the wire
	Sequence byte
	Command  byte
}

// Packet is a recognised client packet and the payload slice it points at.
// Payload aliases the chunk passed to Inspect.
type Packet struct {
	Header  Header
	Payload []byte
}

// ParseHeader decodes the first HeaderLen bytes of chunk.
func ParseHeader(chunk []byte) (Header, bool) {
	if len(chunk) < HeaderLen {
		return Header{}, false
	}
	return Header{
		Length:   uint32(chunk[0]) | uint32(chunk[1])<<8 | uint32(chunk[2])<<16,
		Sequence: chunk[3],
		Command:  chunk[4],
	}, true
}

// Loggable reports whether packets with this command are written to the query log.
func Loggable(cmd byte) bool {
	return cmd == ComQuery || cmd == ComStmtPrepare
}

// PayloadLen is the number of payload bytes following the header.
// The length field counts one byte more than is logged; the result is
// negative when Length is zero.
func (h Header) PayloadLen() int {
	return int(h.Length) - 1
}

// Inspect looks at a single chunk read from the client and returns the
// packet if it starts with a loggable header. Packets split over several
// reads are not reassembled: a payload running past the end of chunk is
// cut at the chunk boundary.
func Inspect(chunk []byte) (Packet, bool) {
	h, ok := ParseHeader(chunk)
	if !ok || !Loggable(h.Command) {
		return Packet{}, false
	}
	n := h.PayloadLen()
	if n < 0 {
		return Packet{}, false
	}
	end := HeaderLen + n
	if end > len(chunk) {
		end = len(chunk)
	}
	return Packet{Header: h, Payload: chunk[HeaderLen:end]}, true
}

// CommandName is used for metric labels and debug logs.
func CommandName(cmd byte) string {
	switch cmd {
	case ComQuery:
		return "query"
	case ComStmtPrepare:
		return "stmt_prepare"
	default:
		return fmt.Sprintf("0x%02x", cmd)
	}
}
