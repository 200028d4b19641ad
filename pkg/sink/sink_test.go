package sink_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voicerec/pkg/sink"
)

// ─── Registry ────────────────────────────────────────────────────────────────

func TestRegistry_DecodeMemory(t *testing.T) {
	t.Parallel()

	s, err := sink.DefaultRegistry().Decode([]byte(`{"type":"memory"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Type() != sink.MemoryType {
		t.Errorf("Type() = %q, want %q", s.Type(), sink.MemoryType)
	}
}

func TestRegistry_DecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantIs  error
	}{
		{"not json", `nope`, nil},
		{"missing type", `{"config":{}}`, nil},
		{"unknown type", `{"type":"tape"}`, sink.ErrSinkNotRegistered},
		{"bad file config", `{"type":"file","config":{"dir":""}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := sink.DefaultRegistry().Decode([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error = %v, want errors.Is %v", err, tt.wantIs)
			}
		})
	}
}

func TestRegistry_RegisterCustom(t *testing.T) {
	t.Parallel()

	r := sink.NewRegistry()
	var gotConfig string
	r.Register("custom", func(config json.RawMessage) (sink.Sink, error) {
		gotConfig = string(config)
		return sink.NewMemory(), nil
	})
	if _, err := r.Decode([]byte(`{"type":"custom","config":{"k":1}}`)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotConfig != `{"k":1}` {
		t.Errorf("factory config = %s, want {\"k\":1}", gotConfig)
	}
	if len(r.Types()) != 1 {
		t.Errorf("Types() = %v, want one entry", r.Types())
	}
}

// ─── Memory ──────────────────────────────────────────────────────────────────

func TestMemory_WriteAndEncode(t *testing.T) {
	t.Parallel()

	m := sink.NewMemory()
	if err := m.Write([]byte{1, 2}, "42"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write([]byte{3, 4}, "42"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Write([]byte{9, 9}, "7"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := m.Write([]byte{5}, "42"); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Write after Cleanup = %v, want ErrClosed", err)
	}

	data, err := sink.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var env sink.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != sink.MemoryType {
		t.Errorf("envelope type = %q, want %q", env.Type, sink.MemoryType)
	}
	var st sink.MemoryState
	if err := json.Unmarshal(env.State, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if !bytes.Equal(st.Users["42"], []byte{1, 2, 3, 4}) {
		t.Errorf("user 42 audio = %v, want [1 2 3 4]", st.Users["42"])
	}
	if m.Users() != 2 {
		t.Errorf("Users() = %d, want 2", m.Users())
	}
}

// ─── File ────────────────────────────────────────────────────────────────────

func TestFile_WritesPerUser(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "rec")
	f, err := sink.NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.Write([]byte{1, 2, 3, 4}, "42"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Write([]byte{5, 6}, "42"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Write([]byte{1}, "../escape"); err == nil {
		t.Error("expected error for path-like user id")
	}
	if err := f.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "42.pcm"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("file contents = %v", got)
	}

	raw, err := f.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	var st sink.FileState
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Users["42"].Bytes != 6 {
		t.Errorf("bytes = %d, want 6", st.Users["42"].Bytes)
	}
	if err := f.Write([]byte{1, 2}, "42"); !errors.Is(err, sink.ErrClosed) {
		t.Errorf("Write after Cleanup = %v, want ErrClosed", err)
	}
}

func TestFile_FromConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, _ := json.Marshal(sink.FileConfig{Dir: dir})
	s, err := sink.DefaultRegistry().Decode([]byte(`{"type":"file","config":` + string(cfg) + `}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Type() != sink.FileType {
		t.Errorf("Type() = %q, want %q", s.Type(), sink.FileType)
	}
}
