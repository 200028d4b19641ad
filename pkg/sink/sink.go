// Package sink defines the recording Sink handed into the voice receive
// worker at startup and handed back out at shutdown.
//
// A Sink receives per-speaker PCM through [Sink.Write]. When the session
// ends, [Sink.Cleanup] is called exactly once and the sink is serialised
// through a [Registry] so the parent process can reclaim it.
//
// This package lives under pkg/ because the parent process is expected to
// provide its own Sink implementations and register them.
package sink

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Write after Cleanup has been called.
var ErrClosed = errors.New("sink: closed")

// Sink persists or forwards decoded audio per speaker.
//
// A Sink is owned by a single goroutine between handoff and cleanup;
// implementations need not be safe for concurrent use unless stated.
type Sink interface {
	// Type returns the registry name of the sink implementation.
	Type() string

	// Write appends s16le PCM for the speaker identified by userID.
	Write(pcm []byte, userID string) error

	// Cleanup finalises the recording. It is called exactly once.
	Cleanup() error

	// MarshalState returns the sink's result state for the shutdown handoff.
	MarshalState() (json.RawMessage, error)
}
