// Package session holds the mutable state of a single recording session.
//
// A [State] is owned by the dispatcher goroutine. The control interpreter and
// the timeline reconciler receive it by pointer and are the only code that
// mutates it; no locking is performed.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Speaker is the identity a media source (SSRC) is attributed to.
type Speaker struct {
	UserID string
}

// State is the session-wide mutable record.
type State struct {
	// Recording is true until a stop request is processed.
	Recording bool

	// Paused drops all media while set. Paused time is absent from the
	// timeline, not backfilled. Change it through [State.SetPaused].
	Paused bool

	// StartingTime is the wall-clock instant the dispatch loop started.
	// The zero value means the loop has not started yet.
	StartingTime time.Time

	// Speakers maps SSRC to speaker identity. Entries are never removed.
	Speakers map[uint32]Speaker

	// Timestamps holds the last RTP timestamp seen per SSRC.
	Timestamps map[uint32]uint32

	// Rebase holds SSRCs whose next frame re-anchors Timestamps without
	// inserting silence. Populated when a pause ends.
	Rebase map[uint32]bool

	pausedAt  time.Time
	pausedFor time.Duration
}

// New returns a recording, unpaused State seeded with speakers.
func New(speakers map[uint32]Speaker) *State {
	s := &State{
		Recording:  true,
		Speakers:   make(map[uint32]Speaker, len(speakers)),
		Timestamps: make(map[uint32]uint32),
		Rebase:     make(map[uint32]bool),
	}
	maps.Copy(s.Speakers, speakers)
	return s
}

// MergeSpeakers adds or overwrites the given mappings and returns the SSRCs
// that were touched.
func (s *State) MergeSpeakers(speakers map[uint32]Speaker) []uint32 {
	touched := make([]uint32, 0, len(speakers))
	for ssrc, sp := range speakers {
		s.Speakers[ssrc] = sp
		touched = append(touched, ssrc)
	}
	return touched
}

// Speaker returns the speaker mapped to ssrc, if any.
func (s *State) Speaker(ssrc uint32) (Speaker, bool) {
	sp, ok := s.Speakers[ssrc]
	return sp, ok
}

// SetPaused pauses or resumes the session at now. Resuming marks every
// known SSRC for rebase so the paused stretch is not filled with silence.
// Setting the current value again is a no-op.
func (s *State) SetPaused(paused bool, now time.Time) {
	if paused == s.Paused {
		return
	}
	s.Paused = paused
	if paused {
		s.pausedAt = now
		return
	}
	if d := now.Sub(s.pausedAt); d > 0 {
		s.pausedFor += d
	}
	for ssrc := range s.Timestamps {
		s.Rebase[ssrc] = true
	}
}

// Stop clears the recording and paused flags.
func (s *State) Stop() {
	s.Recording = false
	s.Paused = false
}

// Elapsed returns the unpaused time since StartingTime, or zero when the
// loop has not started.
func (s *State) Elapsed(now time.Time) time.Duration {
	if s.StartingTime.IsZero() {
		return 0
	}
	d := now.Sub(s.StartingTime) - s.pausedFor
	if s.Paused {
		d -= now.Sub(s.pausedAt)
	}
	return max(d, 0)
}

// speakerEntry is the wire form of one speaker map value. user_id may be
// sent as a JSON string or number.
type speakerEntry struct {
	UserID json.RawMessage `json:"user_id"`
}

// ParseSpeakerMap decodes a JSON object of the form
//
//	{"111": {"user_id": "42"}, "222": {"user_id": 43}}
//
// Keys must be decimal SSRCs; every value must carry a user_id.
func ParseSpeakerMap(data []byte) (map[uint32]Speaker, error) {
	var raw map[string]speakerEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("session: parse speaker map: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("session: parse speaker map: expected a JSON object")
	}
	out := make(map[uint32]Speaker, len(raw))
	for key, entry := range raw {
		ssrc, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("session: parse speaker map: ssrc %q: %w", key, err)
		}
		id, err := parseUserID(entry.UserID)
		if err != nil {
			return nil, fmt.Errorf("session: parse speaker map: ssrc %d: %w", ssrc, err)
		}
		out[uint32(ssrc)] = Speaker{UserID: id}
	}
	return out, nil
}

func parseUserID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("missing user_id")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("user_id: %w", err)
		}
		if s == "" {
			return "", fmt.Errorf("empty user_id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("user_id: %w", err)
	}
	return n.String(), nil
}
