// Package mock provides an in-memory mock implementation of [sink.Sink] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on call counts and arguments, and exposes exported fields that
// control return values.
package mock

import (
	"encoding/json"
	"sync"

	"github.com/MrWong99/voicerec/pkg/sink"
)

// Compile-time interface assertion.
var _ sink.Sink = (*Sink)(nil)

// Write records a single call to [Sink.Write].
type Write struct {
	PCM    []byte
	UserID string
}

// Sink is a mock implementation of [sink.Sink].
type Sink struct {
	mu sync.Mutex

	// TypeName is returned by [Sink.Type]. Defaults to "mock".
	TypeName string

	// WriteError is returned by [Sink.Write].
	WriteError error

	// CleanupError is returned by [Sink.Cleanup].
	CleanupError error

	// StateResult is returned by [Sink.MarshalState]. Defaults to {}.
	StateResult json.RawMessage

	// Writes holds every Write call in order.
	Writes []Write

	// CallCountCleanup records how many times Cleanup was called.
	CallCountCleanup int

	// CallCountMarshalState records how many times MarshalState was called.
	CallCountMarshalState int
}

// Type implements [sink.Sink].
func (s *Sink) Type() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TypeName == "" {
		return "mock"
	}
	return s.TypeName
}

// Write implements [sink.Sink].
func (s *Sink) Write(pcm []byte, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes = append(s.Writes, Write{PCM: append([]byte(nil), pcm...), UserID: userID})
	return s.WriteError
}

// Cleanup implements [sink.Sink].
func (s *Sink) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCleanup++
	return s.CleanupError
}

// MarshalState implements [sink.Sink].
func (s *Sink) MarshalState() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountMarshalState++
	if s.StateResult == nil {
		return json.RawMessage(`{}`), nil
	}
	return s.StateResult, nil
}

// WritesFor returns the PCM written for userID in call order.
func (s *Sink) WritesFor(userID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, w := range s.Writes {
		if w.UserID == userID {
			out = append(out, w.PCM)
		}
	}
	return out
}

// WriteCount returns the total number of Write calls.
func (s *Sink) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}
