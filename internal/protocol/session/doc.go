// Package session implements the BEEP session and channel state machines.
//
// A Session owns channel zero and every application channel multiplexed over
// one Transport. Inbound units arrive through PostFrame on the transport's
// read goroutine; application callbacks run on a bounded executor with at
// most one callback in flight per channel. Sends never block on flow
// control: bytes the peer has no window for stay queued until a SEQ arrives.
//
// Channel zero carries greeting, start and close elements encoded by a
// control.Codec. Start and close requests wait for their reply on a one-shot
// waiter that runs on the read goroutine, so a new channel is registered
// before the peer can send on it.
package session
