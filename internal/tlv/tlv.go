// Package tlv implements the framed ingress wire protocol (C3): a 6-byte
// type+length header followed by the value, restartable across partial
// reads/writes so it can sit on top of a non-blocking NetEndpoint.
//
// Wire layout: Type uint16 big-endian | Length uint32 big-endian | Value.
package tlv

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size of the type+length header.
const HeaderLen = 6

// MaxValueLen is the largest value TlvCodec will accept; larger frames are
// rejected with State Error and the connection should be dropped.
const MaxValueLen = 64 << 20 // 64 MiB

// Type enumerates the TLV type vocabulary.
type Type uint16

const (
	TypeBinary       Type = 0
	TypeUTF8JSON     Type = 1
	TypeProtobuf     Type = 2
	TypeProtobufExt  Type = 3
)

// State is the outcome of one Recv/Send call.
type State int

const (
	StateComplete State = iota
	StateIncomplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateComplete:
		return "Complete"
	case StateIncomplete:
		return "Incomplete"
	default:
		return "Error"
	}
}

// Endpoint is the minimal transport contract TlvCodec needs: possibly
// partial, possibly non-blocking reads and writes, as NetEndpoint (C2)
// provides.
type Endpoint interface {
	Recv(buf []byte) (int, error)
	Send(buf []byte) (int, error)
}

// Package is a TLV unit, reused across restartable Recv/Send calls. A zero
// value is ready to receive a fresh packet.
type Package struct {
	Type  Type
	Value []byte

	header   [HeaderLen]byte
	headLen  int
	totalLen int // HeaderLen + len(value), once known
	recvdLen int
	sentBytes int
}

// Reset clears a Package so it can be reused to receive or send again.
func (p *Package) Reset() {
	*p = Package{}
}

// ResetSendLen rewinds the send cursor without touching Type/Value, so a
// Package can be resent (e.g. after Send returned Incomplete and the caller
// wants to retry a failed attempt from scratch).
func (p *Package) ResetSendLen() { p.sentBytes = 0 }

// Serialize renders a type and value to their complete wire form. Used by tests and by
// callers that do not need the restartable Send path.
func Serialize(t Type, value []byte) []byte {
	buf := make([]byte, HeaderLen+len(value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(t))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(value)))
	copy(buf[HeaderLen:], value)
	return buf
}

// Recv advances p by reading from ep. It is idempotent under repeated
// Incomplete results: progress is preserved in p, so a later call resumes
// where it left off (I4).
func Recv(ep Endpoint, p *Package) (State, error) {
	if p.headLen < HeaderLen {
		n, err := ep.Recv(p.header[p.headLen:HeaderLen])
		if err != nil {
			return StateError, err
		}
		p.headLen += n
		if p.headLen < HeaderLen {
			return StateIncomplete, nil
		}
		p.Type = Type(binary.BigEndian.Uint16(p.header[0:2]))
		valueLen := binary.BigEndian.Uint32(p.header[2:6])
		if valueLen > MaxValueLen {
			return StateError, fmt.Errorf("tlv: value length %d exceeds max %d", valueLen, MaxValueLen)
		}
		p.totalLen = HeaderLen + int(valueLen)
		p.Value = make([]byte, 0, valueLen)
		if p.totalLen == HeaderLen {
			return StateComplete, nil
		}
	}

	for p.recvdLen+HeaderLen < p.totalLen {
		remaining := p.totalLen - HeaderLen - p.recvdLen
		chunk := make([]byte, min(remaining, 512*1024))
		n, err := ep.Recv(chunk)
		if err != nil {
			return StateError, err
		}
		if n == 0 {
			return StateIncomplete, nil
		}
		p.Value = append(p.Value, chunk[:n]...)
		p.recvdLen += n
	}
	return StateComplete, nil
}

// Send advances p by writing to ep, restartable via an internal sentBytes
// cursor so a partial write can be resumed by calling Send again with the
// same Package.
func Send(ep Endpoint, p *Package) (State, error) {
	wire := Serialize(p.Type, p.Value)
	for p.sentBytes < len(wire) {
		n, err := ep.Send(wire[p.sentBytes:])
		if err != nil {
			return StateError, err
		}
		if n == 0 {
			return StateIncomplete, nil
		}
		p.sentBytes += n
		if p.sentBytes < len(wire) {
			return StateIncomplete, nil
		}
	}
	return StateComplete, nil
}
