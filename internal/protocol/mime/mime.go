// Package mime models the MIME entity headers that prefix every BEEP payload.
package mime

import (
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

const (
	ContentType      = "Content-Type"
	TransferEncoding = "Content-Transfer-Encoding"

	DefaultContentType      = "application/octet-stream"
	DefaultTransferEncoding = "binary"

	// BEEPXML is the content type of channel-zero messages.
	BEEPXML = "application/beep+xml"
)

var ErrMalformedHeader = errors.New("mime: malformed header block")

// HeaderSet is an ordered set of entity headers. Content-Type and
// Content-Transfer-Encoding always resolve, falling back to their defaults.
type HeaderSet struct {
	names  []string
	values map[string]string
}

// New returns an empty set.
func New() *HeaderSet {
	return &HeaderSet{values: make(map[string]string)}
}

// NewContentType returns a set carrying the given content type.
func NewContentType(contentType string) *HeaderSet {
	h := New()
	h.Set(ContentType, contentType)
	return h
}

// Set adds or replaces a header.
func (h *HeaderSet) Set(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
	if key == "" {
		return
	}
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, key)
	}
	h.values[key] = strings.TrimSpace(value)
}

// Get returns the value stored under name.
func (h *HeaderSet) Get(name string) (string, bool) {
	v, ok := h.values[textproto.CanonicalMIMEHeaderKey(name)]
	return v, ok
}

// Del removes name.
func (h *HeaderSet) Del(name string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, n := range h.names {
		if n == key {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

func (h *HeaderSet) ContentType() string {
	if v, ok := h.Get(ContentType); ok && v != "" {
		return v
	}
	return DefaultContentType
}

func (h *HeaderSet) TransferEncoding() string {
	if v, ok := h.Get(TransferEncoding); ok && v != "" {
		return v
	}
	return DefaultTransferEncoding
}

// Names returns header names in insertion order.
func (h *HeaderSet) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

func (h *HeaderSet) Len() int { return len(h.names) }

// Clone returns an independent copy.
func (h *HeaderSet) Clone() *HeaderSet {
	out := New()
	for _, n := range h.names {
		out.Set(n, h.values[n])
	}
	return out
}

// Bytes serializes the header block including the terminating empty line.
// Content-Type and Content-Transfer-Encoding are omitted when they carry the
// default value.
func (h *HeaderSet) Bytes() []byte {
	var buf bytes.Buffer
	for _, n := range h.names {
		v := h.values[n]
		if n == ContentType && (v == "" || strings.EqualFold(v, DefaultContentType)) {
			continue
		}
		if n == TransferEncoding && (v == "" || strings.EqualFold(v, DefaultTransferEncoding)) {
			continue
		}
		buf.WriteString(n)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// BlockEnd returns the length of the header block at the start of b,
// including the empty terminating line, or -1 when b does not yet hold a
// complete block.
func BlockEnd(b []byte) int {
	if bytes.HasPrefix(b, []byte("\r\n")) {
		return 2
	}
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	return -1
}

// Parse decodes a complete header block as located by BlockEnd.
func Parse(block []byte) (*HeaderSet, error) {
	h := New()
	body, ok := bytes.CutSuffix(block, []byte("\r\n"))
	if !ok {
		return nil, fmt.Errorf("%w: missing terminating CRLF", ErrMalformedHeader)
	}
	if len(body) == 0 {
		return h, nil
	}
	body, ok = bytes.CutSuffix(body, []byte("\r\n"))
	if !ok {
		return nil, fmt.Errorf("%w: missing empty line", ErrMalformedHeader)
	}

	var name, value string
	flush := func() {
		if name != "" {
			h.Set(name, value)
		}
	}
	for _, line := range strings.Split(string(body), "\r\n") {
		if line == "" {
			return nil, fmt.Errorf("%w: empty line inside block", ErrMalformedHeader)
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name == "" {
				return nil, fmt.Errorf("%w: continuation without header", ErrMalformedHeader)
			}
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		n, v, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(n) == "" || strings.ContainsAny(n, " \t") {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		name, value = n, strings.TrimSpace(v)
	}
	flush()
	return h, nil
}
