// Package control parses and applies operator commands sent by the parent
// process over the control channel.
//
// Commands are UTF-8 text with fields joined by "--". Field 0 is the command
// name; every following field is a "key value" pair whose first
// whitespace-delimited token is the key:
//
//	STOP
//	PAUSE--value true
//	SSRC--value {"111": {"user_id": "42"}}
package control

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/voicerec/internal/session"
)

// fieldSep separates the command name and its arguments.
const fieldSep = "--"

var (
	// ErrUnknownCommand is returned by [Parse] for unrecognised command names.
	ErrUnknownCommand = errors.New("control: unknown command")

	// ErrMalformed is wrapped by [Parse] errors for recognised commands whose
	// arguments cannot be decoded.
	ErrMalformed = errors.New("control: malformed command")
)

// Name identifies a command kind on the wire.
type Name string

const (
	// NameStop ends the session. Arguments are ignored.
	NameStop Name = "STOP"

	// NamePause sets or clears the paused flag from a "true"/"false" value.
	NamePause Name = "PAUSE"

	// NameSSRC merges a JSON speaker map into the session.
	NameSSRC Name = "SSRC"
)

// Command is one of [Stop], [Pause], or [SSRC].
type Command interface {
	Name() Name
	command()
}

// Stop ends the recording session.
type Stop struct{}

// Pause sets or clears the paused flag.
type Pause struct {
	Paused bool
}

// SSRC merges speaker mappings into the session's speaker map.
type SSRC struct {
	Speakers map[uint32]session.Speaker
}

func (Stop) Name() Name  { return NameStop }
func (Pause) Name() Name { return NamePause }
func (SSRC) Name() Name  { return NameSSRC }

func (Stop) command()  {}
func (Pause) command() {}
func (SSRC) command()  {}

// Parse decodes one control datagram.
func Parse(data []byte) (Command, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}
	fields := strings.Split(string(data), fieldSep)
	name := Name(strings.TrimSpace(fields[0]))
	switch name {
	case NameStop:
		return Stop{}, nil
	case NamePause, NameSSRC:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	args, err := parseArgs(fields[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
	}

	switch name {
	case NamePause:
		v, err := singleArg(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
		}
		switch v {
		case "true":
			return Pause{Paused: true}, nil
		case "false":
			return Pause{Paused: false}, nil
		}
		return nil, fmt.Errorf("%w: %s: value %q is not a boolean literal", ErrMalformed, name, v)
	default:
		v, err := singleArg(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
		}
		speakers, err := session.ParseSpeakerMap([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
		}
		return SSRC{Speakers: speakers}, nil
	}
}

// arg is one "key value" field in wire order.
type arg struct {
	key, value string
}

func parseArgs(fields []string) ([]arg, error) {
	args := make([]arg, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		key, value, ok := strings.Cut(f, " ")
		if !ok {
			return nil, fmt.Errorf("argument %q has no value", f)
		}
		args = append(args, arg{key: key, value: strings.TrimSpace(value)})
	}
	return args, nil
}

// singleArg returns the value of the only argument. The key is not checked;
// the parent sends "value" but the argument is positional.
func singleArg(args []arg) (string, error) {
	switch len(args) {
	case 0:
		return "", errors.New("missing argument")
	case 1:
		return args[0].value, nil
	default:
		return "", fmt.Errorf("expected 1 argument, got %d", len(args))
	}
}
