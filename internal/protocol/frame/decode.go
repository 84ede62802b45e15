package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/segment"
)

// Decoder reads units from a byte stream.
type Decoder struct {
	r      *bufio.Reader
	limits Limits
}

// NewDecoder wraps r. The read buffer is sized to hold the longest header line.
func NewDecoder(r io.Reader, limits Limits) *Decoder {
	limits = limits.withDefaults()
	br, ok := r.(*bufio.Reader)
	if !ok || br.Size() < limits.MaxHeaderBytes {
		br = bufio.NewReaderSize(r, max(4096, limits.MaxHeaderBytes))
	}
	return &Decoder{r: br, limits: limits}
}

// Decode reads the next unit. It returns io.EOF only on a clean boundary.
func (d *Decoder) Decode() (Unit, error) {
	return ReadFrame(d.r, d.limits)
}

// ReadFrame reads one unit from r.
func ReadFrame(r *bufio.Reader, limits Limits) (Unit, error) {
	limits = limits.withDefaults()
	line, err := r.ReadSlice('\n')
	if err != nil {
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			return nil, ErrHeaderTooLong
		case errors.Is(err, io.EOF) && len(line) == 0:
			return nil, io.EOF
		case errors.Is(err, io.EOF):
			return nil, &protocol.IOError{Transferred: len(line), Err: io.ErrUnexpectedEOF}
		default:
			return nil, &protocol.IOError{Transferred: len(line), Err: err}
		}
	}
	if len(line) > limits.MaxHeaderBytes {
		return nil, ErrHeaderTooLong
	}

	u, size, err := ParseHeader(line)
	if err != nil {
		return nil, err
	}
	f, ok := u.(Frame)
	if !ok {
		return u, nil
	}
	if size > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, size+len(trailer))
	if n, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &protocol.IOError{Transferred: n, Err: err}
	}
	if string(payload[size:]) != trailer {
		return nil, ErrBadTrailer
	}
	if size > 0 {
		f.Payload = []segment.Segment{segment.Slice(payload, 0, size)}
	}
	return f, nil
}

// ParseHeader parses one header line including its CRLF. For frames it also
// returns the announced payload size.
func ParseHeader(line []byte) (Unit, int, error) {
	body, ok := bytes.CutSuffix(line, []byte("\r\n"))
	if !ok {
		return nil, 0, fmt.Errorf("%w: line not terminated by CRLF", ErrBadHeader)
	}
	tokens := bytes.Split(body, []byte{' '})
	typ, ok := ParseType(string(tokens[0]))
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown keyword %q", ErrBadHeader, tokens[0])
	}

	if typ == TypeSEQ {
		if len(tokens) != 4 {
			return nil, 0, fmt.Errorf("%w: SEQ expects 3 fields, got %d", ErrBadHeader, len(tokens)-1)
		}
		ch, err := parseNumber(tokens[1], MaxChannel)
		if err != nil {
			return nil, 0, err
		}
		ackno, err := parseNumber(tokens[2], MaxSeqno)
		if err != nil {
			return nil, 0, err
		}
		window, err := parseNumber(tokens[3], MaxSeqno)
		if err != nil {
			return nil, 0, err
		}
		return SEQ{Channel: uint32(ch), Ackno: uint32(ackno), Window: uint32(window)}, 0, nil
	}

	want := 6
	if typ == TypeANS {
		want = 7
	}
	if len(tokens) != want {
		return nil, 0, fmt.Errorf("%w: %s expects %d fields, got %d", ErrBadHeader, typ, want-1, len(tokens)-1)
	}

	ch, err := parseNumber(tokens[1], MaxChannel)
	if err != nil {
		return nil, 0, err
	}
	msgno, err := parseNumber(tokens[2], MaxMsgno)
	if err != nil {
		return nil, 0, err
	}
	var last bool
	switch string(tokens[3]) {
	case ".":
		last = true
	case "*":
	default:
		return nil, 0, fmt.Errorf("%w: continuation indicator %q", ErrBadHeader, tokens[3])
	}
	seqno, err := parseNumber(tokens[4], MaxSeqno)
	if err != nil {
		return nil, 0, err
	}
	size, err := parseNumber(tokens[5], MaxSize)
	if err != nil {
		return nil, 0, err
	}

	f := Frame{
		Type:    typ,
		Channel: uint32(ch),
		Msgno:   uint32(msgno),
		Ansno:   NoAnsno,
		Seqno:   uint32(seqno),
		Last:    last,
	}
	if typ == TypeANS {
		ansno, err := parseNumber(tokens[6], MaxAnsno)
		if err != nil {
			return nil, 0, err
		}
		f.Ansno = int32(ansno)
	}
	if typ == TypeNUL && (!last || size != 0) {
		return nil, 0, fmt.Errorf("%w: NUL must be final and empty", ErrBadHeader)
	}
	return f, int(size), nil
}

func parseNumber(tok []byte, limit uint64) (uint64, error) {
	if len(tok) == 0 || len(tok) > 10 {
		return 0, fmt.Errorf("%w: numeric field %q", ErrBadHeader, tok)
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: numeric field %q", ErrBadHeader, tok)
		}
	}
	v, err := strconv.ParseUint(string(tok), 10, 64)
	if err != nil || v > limit {
		return 0, fmt.Errorf("%w: %q", ErrFieldRange, tok)
	}
	return v, nil
}
