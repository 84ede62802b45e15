// Package frame encodes and decodes BEEP frames (RFC 3080 section 2.2) and
// the SEQ window-update frame of the TCP mapping (RFC 3081 section 3.1).
//
// The codec holds no shared state and is safe to use from the read and write
// paths concurrently.
package frame

import (
	"fmt"
	"math"

	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/segment"
)

const (
	MaxChannel = math.MaxInt32
	MaxMsgno   = math.MaxInt32
	MaxAnsno   = math.MaxInt32
	MaxSize    = math.MaxInt32
	MaxSeqno   = math.MaxUint32

	// NoAnsno marks frames that are not ANS.
	NoAnsno int32 = -1

	trailer = "END\r\n"
)

var (
	ErrHeaderTooLong   = fmt.Errorf("%w: header line too long", protocol.ErrMalformedFrame)
	ErrBadHeader       = fmt.Errorf("%w: bad header line", protocol.ErrMalformedFrame)
	ErrBadTrailer      = fmt.Errorf("%w: missing END trailer", protocol.ErrMalformedFrame)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", protocol.ErrMalformedFrame)
	ErrFieldRange      = fmt.Errorf("%w: numeric field out of range", protocol.ErrMalformedFrame)
)

// Type is the frame keyword.
type Type uint8

const (
	TypeMSG Type = iota + 1
	TypeRPY
	TypeERR
	TypeANS
	TypeNUL
	TypeSEQ
)

var typeNames = [...]string{
	TypeMSG: "MSG",
	TypeRPY: "RPY",
	TypeERR: "ERR",
	TypeANS: "ANS",
	TypeNUL: "NUL",
	TypeSEQ: "SEQ",
}

func (t Type) String() string {
	if t >= TypeMSG && t <= TypeSEQ {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsReply reports whether t answers a MSG.
func (t Type) IsReply() bool {
	return t == TypeRPY || t == TypeERR || t == TypeANS || t == TypeNUL
}

// ParseType maps a keyword to its Type.
func ParseType(s string) (Type, bool) {
	for t := TypeMSG; t <= TypeSEQ; t++ {
		if typeNames[t] == s {
			return t, true
		}
	}
	return 0, false
}

// Unit is one decoded wire unit: a Frame or a SEQ.
type Unit interface {
	unit()
	ChannelNumber() uint32
}

// Sink receives decoded units from a transport. TransportClosed is called
// once when the read side ends, with nil for an orderly local close.
type Sink interface {
	PostFrame(u Unit) error
	TransportClosed(err error)
}

// Frame is one fragment of a logical message.
type Frame struct {
	Type    Type
	Channel uint32
	Msgno   uint32
	Ansno   int32
	Seqno   uint32
	Last    bool
	Payload []segment.Segment
}

func (Frame) unit() {}

// ChannelNumber returns the target channel.
func (f Frame) ChannelNumber() uint32 { return f.Channel }

// Size is the payload length in bytes.
func (f Frame) Size() int { return segment.Total(f.Payload) }

// Bytes copies the payload into one slice.
func (f Frame) Bytes() []byte { return segment.Join(f.Payload) }

func (f Frame) String() string {
	more := '*'
	if f.Last {
		more = '.'
	}
	if f.Type == TypeANS {
		return fmt.Sprintf("%s %d %d %c %d %d %d", f.Type, f.Channel, f.Msgno, more, f.Seqno, f.Size(), f.Ansno)
	}
	return fmt.Sprintf("%s %d %d %c %d %d", f.Type, f.Channel, f.Msgno, more, f.Seqno, f.Size())
}

// SEQ advertises how many bytes the sender of the SEQ will accept on a channel.
type SEQ struct {
	Channel uint32
	Ackno   uint32
	Window  uint32
}

func (SEQ) unit() {}

// ChannelNumber returns the target channel.
func (s SEQ) ChannelNumber() uint32 { return s.Channel }

func (s SEQ) String() string {
	return fmt.Sprintf("SEQ %d %d %d", s.Channel, s.Ackno, s.Window)
}

// Limits constrains decode memory use.
type Limits struct {
	MaxHeaderBytes  int
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes:  128,
		MaxPayloadBytes: 1 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = def.MaxPayloadBytes
	}
	return l
}
