package control

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// Codec converts elements to and from their wire form.
type Codec interface {
	Marshal(e Element) ([]byte, error)
	Unmarshal(b []byte) (Element, error)
}

// XMLCodec is the RFC 3080 encoding of channel-zero elements.
type XMLCodec struct{}

func (XMLCodec) Marshal(e Element) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil element", ErrInvalidElement)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return xml.Marshal(e)
}

func (XMLCodec) Unmarshal(b []byte) (Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidElement)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidElement, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		e, err := decodeElement(dec, start)
		if err != nil {
			return nil, err
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (Element, error) {
	var (
		e   Element
		err error
	)
	switch start.Name.Local {
	case "greeting":
		var v Greeting
		err = dec.DecodeElement(&v, &start)
		e = v
	case "start":
		var v Start
		err = dec.DecodeElement(&v, &start)
		e = v
	case "profile":
		var v Profile
		err = dec.DecodeElement(&v, &start)
		e = v
	case "close":
		var v Close
		err = dec.DecodeElement(&v, &start)
		e = v
	case "ok":
		var v OK
		err = dec.DecodeElement(&v, &start)
		e = v
	case "error":
		var v Error
		err = dec.DecodeElement(&v, &start)
		e = v
	default:
		return nil, fmt.Errorf("%w: <%s>", ErrUnknownElement, start.Name.Local)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: <%s>: %v", ErrInvalidElement, start.Name.Local, err)
	}
	return e, nil
}
