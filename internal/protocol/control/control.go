// Package control defines the channel-zero management messages exchanged to
// greet, start channels and close channels, and the codec that carries them.
package control

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/beepmux/internal/protocol"
)

var (
	ErrInvalidElement = errors.New("control: invalid element")
	ErrUnknownElement = errors.New("control: unknown element")
)

const EncodingBase64 = "base64"

// Element is one channel-zero message.
type Element interface {
	Validate() error
	element()
}

// Profile names a profile and optionally carries piggyback data.
type Profile struct {
	XMLName  xml.Name `xml:"profile"`
	URI      string   `xml:"uri,attr"`
	Encoding string   `xml:"encoding,attr,omitempty"`
	Content  string   `xml:",cdata"`
}

// NewProfile builds a profile element. Data is base64-encoded when asked to.
func NewProfile(uri, data string, encode bool) Profile {
	p := Profile{URI: uri}
	if data == "" {
		return p
	}
	if encode {
		p.Encoding = EncodingBase64
		p.Content = base64.StdEncoding.EncodeToString([]byte(data))
		return p
	}
	p.Content = data
	return p
}

// Data returns the decoded piggyback content.
func (p Profile) Data() (string, error) {
	switch strings.ToLower(strings.TrimSpace(p.Encoding)) {
	case "", "none":
		return p.Content, nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(p.Content))
		if err != nil {
			return "", fmt.Errorf("%w: profile %q content: %v", ErrInvalidElement, p.URI, err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: profile %q encoding %q", ErrInvalidElement, p.URI, p.Encoding)
	}
}

func (Profile) element() {}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.URI) == "" {
		return fmt.Errorf("%w: profile missing uri", ErrInvalidElement)
	}
	_, err := p.Data()
	return err
}

// Greeting is the first reply each peer sends on channel zero.
type Greeting struct {
	XMLName  xml.Name  `xml:"greeting"`
	Features string    `xml:"features,attr,omitempty"`
	Localize string    `xml:"localize,attr,omitempty"`
	Profiles []Profile `xml:"profile"`
}

func (Greeting) element() {}

func (g Greeting) Validate() error {
	for i, p := range g.Profiles {
		if strings.TrimSpace(p.URI) == "" {
			return fmt.Errorf("%w: greeting profile[%d] missing uri", ErrInvalidElement, i)
		}
	}
	return nil
}

// URIs lists the advertised profiles.
func (g Greeting) URIs() []string { return uris(g.Profiles) }

func uris(profiles []Profile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.URI)
	}
	return out
}

// Start asks the peer to open a channel with one of the offered profiles.
type Start struct {
	XMLName    xml.Name  `xml:"start"`
	Number     uint32    `xml:"number,attr"`
	ServerName string    `xml:"serverName,attr,omitempty"`
	Profiles   []Profile `xml:"profile"`
}

func (Start) element() {}

// URIs lists the offered profiles in order.
func (s Start) URIs() []string { return uris(s.Profiles) }

func (s Start) Validate() error {
	if s.Number == 0 || s.Number > math.MaxInt32 {
		return fmt.Errorf("%w: start channel number %d", ErrInvalidElement, s.Number)
	}
	if len(s.Profiles) == 0 {
		return fmt.Errorf("%w: start offers no profiles", ErrInvalidElement)
	}
	for _, p := range s.Profiles {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Close asks the peer to close a channel, or the session when Number is zero.
type Close struct {
	XMLName    xml.Name `xml:"close"`
	Number     uint32   `xml:"number,attr"`
	Code       int      `xml:"code,attr"`
	Lang       string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Diagnostic string   `xml:",chardata"`
}

func (Close) element() {}

func (c Close) Validate() error {
	if c.Number > math.MaxInt32 {
		return fmt.Errorf("%w: close channel number %d", ErrInvalidElement, c.Number)
	}
	if !protocol.Code(c.Code).Valid() {
		return fmt.Errorf("%w: close code %d", ErrInvalidElement, c.Code)
	}
	return nil
}

// OK acknowledges a close.
type OK struct {
	XMLName xml.Name `xml:"ok"`
}

func (OK) element() {}

func (OK) Validate() error { return nil }

// Error reports a failed start, close or greeting.
type Error struct {
	XMLName    xml.Name `xml:"error"`
	Code       int      `xml:"code,attr"`
	Lang       string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Diagnostic string   `xml:",chardata"`
}

func (Error) element() {}

func (e Error) Validate() error {
	if !protocol.Code(e.Code).Valid() {
		return fmt.Errorf("%w: error code %d", ErrInvalidElement, e.Code)
	}
	return nil
}

// FromError converts a negotiated error into its element form.
func FromError(err *protocol.Error) Error {
	return Error{Code: int(err.Code), Lang: err.Lang, Diagnostic: err.Diagnostic}
}

// Err converts the element back into a negotiated error.
func (e Error) Err() *protocol.Error {
	return &protocol.Error{Code: protocol.Code(e.Code), Lang: e.Lang, Diagnostic: strings.TrimSpace(e.Diagnostic)}
}

// Name returns the element's tag name for diagnostics.
func Name(el Element) string {
	switch el.(type) {
	case Greeting:
		return "greeting"
	case Start:
		return "start"
	case Profile:
		return "profile"
	case Close:
		return "close"
	case OK:
		return "ok"
	case Error:
		return "error"
	case nil:
		return "none"
	}
	return fmt.Sprintf("%T", el)
}

// CDATASafe reports whether s can be carried in a CDATA section as is.
func CDATASafe(s string) bool {
	if strings.Contains(s, "]]>") {
		return false
	}
	for _, r := range s {
		switch {
		case r == '\t', r == '\n', r == '\r':
		case r < 0x20, r == 0xFFFE, r == 0xFFFF, r == utf8.RuneError:
			return false
		}
	}
	return true
}
