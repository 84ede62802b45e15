// Package stream holds the payload of one logical message as a queue of
// segments.
//
// OutputStream is filled by application code and drained by a channel's frame
// slicer. InputStream is filled by a channel's receive path and drained by
// application code; reads block until data arrives, the stream completes, or
// the stream is aborted. Every byte leaving an InputStream, whether read or
// discarded, is reported through the freed callback so the owning channel can
// reopen its receive window.
package stream

import "errors"

var (
	ErrStreamComplete = errors.New("stream: already complete")
	ErrStreamClosed   = errors.New("stream: closed")
	ErrHeaderTooLarge = errors.New("stream: header block too large")
)

// maxHeaderBytes bounds how much data Headers buffers looking for the end of
// the header block.
const maxHeaderBytes = 64 * 1024
