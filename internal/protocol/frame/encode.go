package frame

import (
	"fmt"
	"io"
	"strconv"
)

// Validate checks the numeric bounds and type-specific shape of f.
func (f Frame) Validate() error {
	if f.Type < TypeMSG || f.Type > TypeNUL {
		return fmt.Errorf("%w: type %s", ErrBadHeader, f.Type)
	}
	if f.Channel > MaxChannel || f.Msgno > MaxMsgno || f.Size() > MaxSize {
		return ErrFieldRange
	}
	if f.Type == TypeANS {
		if f.Ansno < 0 {
			return fmt.Errorf("%w: ANS without ansno", ErrBadHeader)
		}
	} else if f.Ansno != NoAnsno {
		return fmt.Errorf("%w: ansno on %s", ErrBadHeader, f.Type)
	}
	if f.Type == TypeNUL && (!f.Last || f.Size() != 0) {
		return fmt.Errorf("%w: NUL must be final and empty", ErrBadHeader)
	}
	return nil
}

// AppendHeader appends the header line of f, including CRLF, to dst.
func AppendHeader(dst []byte, f Frame) []byte {
	dst = append(dst, f.Type.String()...)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(f.Channel), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(f.Msgno), 10)
	if f.Last {
		dst = append(dst, " . "...)
	} else {
		dst = append(dst, " * "...)
	}
	dst = strconv.AppendUint(dst, uint64(f.Seqno), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(f.Size()), 10)
	if f.Type == TypeANS {
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(f.Ansno), 10)
	}
	return append(dst, '\r', '\n')
}

// AppendSEQ appends the wire form of s to dst.
func AppendSEQ(dst []byte, s SEQ) []byte {
	dst = append(dst, "SEQ "...)
	dst = strconv.AppendUint(dst, uint64(s.Channel), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(s.Ackno), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(s.Window), 10)
	return append(dst, '\r', '\n')
}

// Marshal returns the complete wire bytes of u.
func Marshal(u Unit) ([]byte, error) {
	switch v := u.(type) {
	case Frame:
		if err := v.Validate(); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 64+v.Size())
		buf = AppendHeader(buf, v)
		for _, seg := range v.Payload {
			buf = append(buf, seg.Bytes()...)
		}
		return append(buf, trailer...), nil
	case SEQ:
		if v.Channel > MaxChannel {
			return nil, ErrFieldRange
		}
		return AppendSEQ(nil, v), nil
	default:
		return nil, fmt.Errorf("frame: cannot marshal %T", u)
	}
}

// WriteFrame writes u to w. Payload segments are written without copying.
func WriteFrame(w io.Writer, u Unit) error {
	f, ok := u.(Frame)
	if !ok {
		b, err := Marshal(u)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if _, err := w.Write(AppendHeader(make([]byte, 0, 64), f)); err != nil {
		return err
	}
	for _, seg := range f.Payload {
		if seg.Len() == 0 {
			continue
		}
		if _, err := w.Write(seg.Bytes()); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, trailer)
	return err
}
