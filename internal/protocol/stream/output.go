package stream

import (
	"sync"

	"github.com/danmuck/beepmux/internal/protocol/mime"
	"github.com/danmuck/beepmux/internal/protocol/segment"
)

// OutputStream is the payload of one outbound message.
type OutputStream struct {
	mu         sync.Mutex
	headers    *mime.HeaderSet
	headerDone bool
	segs       []segment.Segment
	avail      int
	complete   bool
	notify     func()
}

// NewOutputStream returns an open stream prefixed by headers. A nil header set
// produces a raw stream with no header block.
func NewOutputStream(headers *mime.HeaderSet) *OutputStream {
	return &OutputStream{headers: headers, headerDone: headers == nil}
}

// FromBytes returns a complete stream holding data.
func FromBytes(headers *mime.HeaderSet, data []byte) *OutputStream {
	s := NewOutputStream(headers)
	if len(data) > 0 {
		s.segs = append(s.segs, segment.Copy(data))
		s.avail = len(data)
	}
	s.complete = true
	return s
}

// FromString returns a complete stream with the given content type.
func FromString(contentType, body string) *OutputStream {
	return FromBytes(mime.NewContentType(contentType), []byte(body))
}

// Empty returns a complete raw stream with no bytes at all.
func Empty() *OutputStream {
	return FromBytes(nil, nil)
}

// Headers returns the header set. Changes are honoured until the first read.
func (s *OutputStream) Headers() *mime.HeaderSet {
	return s.headers
}

// OnData registers fn to run whenever bytes are added or the stream completes.
func (s *OutputStream) OnData(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Add appends seg. Adding to a complete stream fails.
func (s *OutputStream) Add(seg segment.Segment) error {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return ErrStreamComplete
	}
	if seg.Len() > 0 {
		s.segs = append(s.segs, seg)
		s.avail += seg.Len()
	}
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Write copies p into the stream.
func (s *OutputStream) Write(p []byte) (int, error) {
	if err := s.Add(segment.Copy(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetComplete marks the end of the payload.
func (s *OutputStream) SetComplete() {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *OutputStream) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Available returns the number of bytes ready to be sent, header block included.
func (s *OutputStream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materializeLocked()
	return s.avail
}

// Drained reports whether the stream is complete and every byte has been taken.
func (s *OutputStream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materializeLocked()
	return s.complete && s.avail == 0
}

// Next removes up to limit bytes from the front of the stream, splitting the
// last segment when needed.
func (s *OutputStream) Next(limit int) []segment.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materializeLocked()

	var out []segment.Segment
	for limit > 0 && len(s.segs) > 0 {
		head, tail := s.segs[0].Split(limit)
		out = append(out, head)
		limit -= head.Len()
		s.avail -= head.Len()
		if tail.Len() == 0 {
			s.segs[0] = segment.Segment{}
			s.segs = s.segs[1:]
		} else {
			s.segs[0] = tail
		}
	}
	return out
}

func (s *OutputStream) materializeLocked() {
	if s.headerDone {
		return
	}
	s.headerDone = true
	block := segment.New(s.headers.Bytes())
	s.segs = append([]segment.Segment{block}, s.segs...)
	s.avail += block.Len()
}
