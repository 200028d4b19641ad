package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryType is the registry name of the [Memory] sink.
const MemoryType = "memory"

// Compile-time interface assertion.
var _ Sink = (*Memory)(nil)

// Memory buffers each speaker's PCM in memory and returns it in the handoff
// state as base64 (encoding/json's []byte encoding).
//
// Memory is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	users  map[string]*bytes.Buffer
	closed bool
}

// MemoryState is the handoff state emitted by a [Memory] sink.
type MemoryState struct {
	Users map[string][]byte `json:"users"`
}

// NewMemory returns an empty [Memory] sink.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]*bytes.Buffer)}
}

// NewMemoryFromConfig is the [Factory] for the memory sink. It accepts no
// configuration; a non-empty config must still be a JSON object.
func NewMemoryFromConfig(config json.RawMessage) (Sink, error) {
	if len(config) > 0 {
		var v map[string]any
		if err := json.Unmarshal(config, &v); err != nil {
			return nil, fmt.Errorf("memory sink: config: %w", err)
		}
	}
	return NewMemory(), nil
}

// Type implements [Sink].
func (m *Memory) Type() string { return MemoryType }

// Write implements [Sink].
func (m *Memory) Write(pcm []byte, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	buf, ok := m.users[userID]
	if !ok {
		buf = &bytes.Buffer{}
		m.users[userID] = buf
	}
	buf.Write(pcm)
	return nil
}

// Cleanup implements [Sink]. Buffered audio stays available to
// [Memory.Audio] and [Memory.MarshalState].
func (m *Memory) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Audio returns a copy of the PCM recorded for userID.
func (m *Memory) Audio(userID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.users[userID]
	if !ok {
		return nil
	}
	return bytes.Clone(buf.Bytes())
}

// Users returns the number of speakers with recorded audio.
func (m *Memory) Users() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// MarshalState implements [Sink].
func (m *Memory) MarshalState() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MemoryState{Users: make(map[string][]byte, len(m.users))}
	for id, buf := range m.users {
		st.Users[id] = buf.Bytes()
	}
	return json.Marshal(st)
}
