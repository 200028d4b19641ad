package session

import (
	"testing"
	"time"
)

func TestNew_CopiesSpeakers(t *testing.T) {
	t.Parallel()

	in := map[uint32]Speaker{1: {UserID: "a"}}
	s := New(in)
	in[2] = Speaker{UserID: "b"}

	if !s.Recording || s.Paused {
		t.Errorf("New: recording=%v paused=%v, want true/false", s.Recording, s.Paused)
	}
	if _, ok := s.Speaker(2); ok {
		t.Error("State must not alias the caller's map")
	}
}

func TestMergeSpeakers_AppendAndOverwrite(t *testing.T) {
	t.Parallel()

	s := New(map[uint32]Speaker{1: {UserID: "a"}})
	touched := s.MergeSpeakers(map[uint32]Speaker{1: {UserID: "z"}, 2: {UserID: "b"}})
	if len(touched) != 2 {
		t.Errorf("touched = %v, want 2 entries", touched)
	}
	if sp, _ := s.Speaker(1); sp.UserID != "z" {
		t.Errorf("ssrc 1 = %q, want z", sp.UserID)
	}
	if sp, _ := s.Speaker(2); sp.UserID != "b" {
		t.Errorf("ssrc 2 = %q, want b", sp.UserID)
	}
}

func TestElapsed(t *testing.T) {
	t.Parallel()

	s := New(nil)
	now := time.Unix(100, 0)
	if got := s.Elapsed(now); got != 0 {
		t.Errorf("Elapsed before start = %v, want 0", got)
	}
	s.StartingTime = now.Add(-1500 * time.Millisecond)
	if got := s.Elapsed(now); got != 1500*time.Millisecond {
		t.Errorf("Elapsed = %v, want 1.5s", got)
	}
}

func TestParseSpeakerMap(t *testing.T) {
	t.Parallel()

	got, err := ParseSpeakerMap([]byte(`{"111": {"user_id": "42"}, "222": {"user_id": 123456789012345678}}`))
	if err != nil {
		t.Fatalf("ParseSpeakerMap: %v", err)
	}
	if got[111].UserID != "42" {
		t.Errorf("111 = %q, want 42", got[111].UserID)
	}
	if got[222].UserID != "123456789012345678" {
		t.Errorf("222 = %q, want 123456789012345678 (no float rounding)", got[222].UserID)
	}
}

func TestParseSpeakerMap_Errors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		``,
		`null`,
		`[1,2]`,
		`{"abc": {"user_id": "1"}}`,
		`{"4294967296": {"user_id": "1"}}`,
		`{"1": {}}`,
		`{"1": {"user_id": ""}}`,
		`{"1": {"user_id": true}}`,
	} {
		if _, err := ParseSpeakerMap([]byte(in)); err == nil {
			t.Errorf("ParseSpeakerMap(%q): expected error", in)
		}
	}
}

func TestSetPaused_ExcludesPausedTime(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	s := New(nil)
	s.StartingTime = start
	s.Timestamps[111] = 960

	s.SetPaused(true, start.Add(time.Second))
	if got := s.Elapsed(start.Add(3 * time.Second)); got != time.Second {
		t.Errorf("Elapsed while paused = %v, want 1s", got)
	}
	if len(s.Rebase) != 0 {
		t.Error("pausing must not mark SSRCs for rebase")
	}

	s.SetPaused(false, start.Add(4*time.Second))
	if got := s.Elapsed(start.Add(5 * time.Second)); got != 2*time.Second {
		t.Errorf("Elapsed after resume = %v, want 2s", got)
	}
	if !s.Rebase[111] {
		t.Error("resume did not mark ssrc 111 for rebase")
	}

	// Repeating the current value changes nothing.
	s.SetPaused(false, start.Add(9*time.Second))
	if got := s.Elapsed(start.Add(10 * time.Second)); got != 7*time.Second {
		t.Errorf("Elapsed after redundant resume = %v, want 7s", got)
	}
}
