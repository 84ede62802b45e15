package session

import "github.com/danmuck/beepmux/internal/protocol/frame"

// Transport is the connection a Session runs over. It decodes inbound
// units and hands them to the bound Sink on a single read goroutine, and
// serializes SendFrame calls from any goroutine onto the wire.
//
// A transport starts with IO disabled. While disabled, decoded units are
// held until EnableIO, and they go to whichever Sink is bound at that time.
type Transport interface {
	SendFrame(u frame.Unit) error
	MaxFrameSize() int
	Bind(sink frame.Sink)
	EnableIO()
	DisableIO()
	Close() error
}

// Role fixes which channel numbers a peer allocates: the initiator uses odd
// numbers, the listener even ones.
type Role int

const (
	RoleInitiator Role = iota
	RoleListener
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "initiator"
}

// owns reports whether this role allocates channel n.
func (r Role) owns(n uint32) bool {
	if n == 0 {
		return false
	}
	if r == RoleInitiator {
		return n%2 == 1
	}
	return n%2 == 0
}

func (r Role) firstChannel() uint32 {
	if r == RoleListener {
		return 2
	}
	return 1
}
