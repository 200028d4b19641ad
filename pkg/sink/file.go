package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileType is the registry name of the [File] sink.
const FileType = "file"

// Compile-time interface assertion.
var _ Sink = (*File)(nil)

// FileConfig is the handoff configuration of a [File] sink.
type FileConfig struct {
	// Dir is the directory receiving one raw s16le file per speaker.
	Dir string `json:"dir"`
}

// FileEntry describes one speaker file in the handoff state.
type FileEntry struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// FileState is the handoff state emitted by a [File] sink.
type FileState struct {
	Dir   string               `json:"dir"`
	Users map[string]FileEntry `json:"users"`
}

// File appends each speaker's PCM to <dir>/<userID>.pcm.
// It is not safe for concurrent use.
type File struct {
	dir    string
	files  map[string]*os.File
	sizes  map[string]int64
	closed bool
}

// NewFile creates the target directory if needed and returns a [File] sink.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("file sink: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file sink: create dir %q: %w", dir, err)
	}
	return &File{
		dir:   dir,
		files: make(map[string]*os.File),
		sizes: make(map[string]int64),
	}, nil
}

// NewFileFromConfig is the [Factory] for the file sink.
func NewFileFromConfig(config json.RawMessage) (Sink, error) {
	var cfg FileConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("file sink: config: %w", err)
		}
	}
	return NewFile(cfg.Dir)
}

// Type implements [Sink].
func (f *File) Type() string { return FileType }

// Write implements [Sink].
func (f *File) Write(pcm []byte, userID string) error {
	if f.closed {
		return ErrClosed
	}
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return fmt.Errorf("file sink: invalid user id %q", userID)
	}
	fh, ok := f.files[userID]
	if !ok {
		var err error
		fh, err = os.OpenFile(f.path(userID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("file sink: open %q: %w", userID, err)
		}
		f.files[userID] = fh
	}
	n, err := fh.Write(pcm)
	f.sizes[userID] += int64(n)
	if err != nil {
		return fmt.Errorf("file sink: write %q: %w", userID, err)
	}
	return nil
}

// Cleanup implements [Sink]. It closes every open speaker file.
func (f *File) Cleanup() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for id, fh := range f.files {
		if err := fh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("file sink: close %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// MarshalState implements [Sink].
func (f *File) MarshalState() (json.RawMessage, error) {
	st := FileState{Dir: f.dir, Users: make(map[string]FileEntry, len(f.sizes))}
	for id, n := range f.sizes {
		st.Users[id] = FileEntry{Path: f.path(id), Bytes: n}
	}
	return json.Marshal(st)
}

func (f *File) path(userID string) string {
	return filepath.Join(f.dir, userID+".pcm")
}
