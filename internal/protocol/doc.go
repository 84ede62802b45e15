// Package protocol owns the wire contract shared by every BEEP layer.
//
// Ownership boundary:
// - reply codes and the structured negotiation error
// - protocol-fatal sentinels raised by frame ingestion
// - I/O interruption reporting
//
// Sub-packages hold the frame codec (frame), payload views (segment), entity
// headers (mime), payload streams (stream), the channel-zero envelope (control)
// and the channel/session engine (session).
package protocol
