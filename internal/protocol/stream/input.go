package stream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/beepmux/internal/protocol/mime"
	"github.com/danmuck/beepmux/internal/protocol/segment"
)

// InputStream is the payload of one inbound message.
type InputStream struct {
	mu       sync.Mutex
	segs     []segment.Segment
	avail    int
	complete bool
	closed   bool
	err      error
	wake     chan struct{}
	freed    func(n int)

	headers     *mime.HeaderSet
	headerErr   error
	headersRead bool
}

// NewInputStream returns an empty stream. freed, when set, is called with the
// number of bytes each time data leaves the stream.
func NewInputStream(freed func(n int)) *InputStream {
	return &InputStream{wake: make(chan struct{}), freed: freed}
}

// NewCompleteInput returns a complete stream holding data.
func NewCompleteInput(data []byte) *InputStream {
	s := NewInputStream(nil)
	if len(data) > 0 {
		s.segs = []segment.Segment{segment.Copy(data)}
		s.avail = len(data)
	}
	s.complete = true
	return s
}

// Add appends seg. Once complete the stream rejects further data; once closed
// or aborted the data is discarded and immediately reported as freed.
func (s *InputStream) Add(seg segment.Segment) error {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return ErrStreamComplete
	}
	if s.closed || s.err != nil {
		s.mu.Unlock()
		s.release(seg.Len())
		return nil
	}
	if seg.Len() > 0 {
		s.segs = append(s.segs, seg)
		s.avail += seg.Len()
		s.signalLocked()
	}
	s.mu.Unlock()
	return nil
}

// SetComplete marks that no more data will arrive.
func (s *InputStream) SetComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complete {
		return
	}
	s.complete = true
	s.signalLocked()
}

// IsComplete reports whether the producer has delivered the final fragment.
func (s *InputStream) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Available returns the number of buffered bytes.
func (s *InputStream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avail
}

// Abort wakes every reader with err. Buffered bytes are dropped without being
// reported as freed.
func (s *InputStream) Abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	s.segs = nil
	s.avail = 0
	s.signalLocked()
}

// Close discards unread data, reporting it as freed.
func (s *InputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := s.avail
	s.segs = nil
	s.avail = 0
	s.signalLocked()
	s.mu.Unlock()
	s.release(n)
	return nil
}

// Headers reads and parses the header block, waiting for it to arrive. An
// empty complete stream has an empty header set.
func (s *InputStream) Headers(ctx context.Context) (*mime.HeaderSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.headersRead {
		if err := s.readErrLocked(); err != nil {
			return nil, err
		}
		buffered := segment.Join(s.segs)
		if end := mime.BlockEnd(buffered); end >= 0 {
			s.headers, s.headerErr = mime.Parse(buffered[:end])
			s.headersRead = true
			s.dropLocked(end)
			break
		}
		if s.complete {
			s.headersRead = true
			if len(buffered) == 0 {
				s.headers = mime.New()
			} else {
				s.headerErr = fmt.Errorf("%w: payload ends inside header block", mime.ErrMalformedHeader)
			}
			break
		}
		if len(buffered) > maxHeaderBytes {
			s.headersRead = true
			s.headerErr = ErrHeaderTooLarge
			break
		}
		if err := s.waitLocked(ctx); err != nil {
			return nil, err
		}
	}
	return s.headers, s.headerErr
}

// Next returns the next buffered body segment, blocking until one arrives. It
// returns io.EOF once the stream is complete and drained.
func (s *InputStream) Next(ctx context.Context) (segment.Segment, error) {
	return s.take(ctx, -1)
}

// Read implements io.Reader over the body, after the header block.
func (s *InputStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	seg, err := s.take(context.Background(), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, seg.Bytes()), nil
}

// ReadAll reads the remaining body.
func (s *InputStream) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		seg, err := s.take(ctx, -1)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, seg.Bytes()...)
	}
}

func (s *InputStream) take(ctx context.Context, limit int) (segment.Segment, error) {
	if _, err := s.Headers(ctx); err != nil {
		return segment.Segment{}, err
	}
	s.mu.Lock()
	for len(s.segs) == 0 {
		if err := s.readErrLocked(); err != nil {
			s.mu.Unlock()
			return segment.Segment{}, err
		}
		if s.complete {
			s.mu.Unlock()
			return segment.Segment{}, io.EOF
		}
		if err := s.waitLocked(ctx); err != nil {
			s.mu.Unlock()
			return segment.Segment{}, err
		}
	}
	head := s.segs[0]
	if limit > 0 && head.Len() > limit {
		head, s.segs[0] = head.Split(limit)
	} else {
		s.segs[0] = segment.Segment{}
		s.segs = s.segs[1:]
	}
	s.avail -= head.Len()
	s.mu.Unlock()
	s.release(head.Len())
	return head, nil
}

// dropLocked consumes n bytes from the front and reports them as freed. The
// lock is released around the callback.
func (s *InputStream) dropLocked(n int) {
	dropped := n
	for n > 0 && len(s.segs) > 0 {
		_, tail := s.segs[0].Split(n)
		n -= s.segs[0].Len() - tail.Len()
		if tail.Len() == 0 {
			s.segs = s.segs[1:]
		} else {
			s.segs[0] = tail
		}
	}
	s.avail -= dropped
	if s.freed != nil && dropped > 0 {
		fn := s.freed
		s.mu.Unlock()
		fn(dropped)
		s.mu.Lock()
	}
}

func (s *InputStream) readErrLocked() error {
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrStreamClosed
	}
	return nil
}

func (s *InputStream) waitLocked(ctx context.Context) error {
	ch := s.wake
	s.mu.Unlock()
	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.mu.Lock()
	return err
}

func (s *InputStream) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *InputStream) release(n int) {
	if n > 0 && s.freed != nil {
		s.freed(n)
	}
}
