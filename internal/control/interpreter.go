package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voicerec/internal/observe"
	"github.com/MrWong99/voicerec/internal/session"
)

// Stopper is the decode subsystem's stop signal.
type Stopper interface {
	Stop()
}

// Flusher releases frames held for newly mapped SSRCs.
type Flusher interface {
	Flush(ctx context.Context, ssrc uint32) int
}

// Interpreter applies commands to the session state. It runs on the
// goroutine that owns the state.
type Interpreter struct {
	state   *session.State
	decoder Stopper
	flusher Flusher
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures an [Interpreter].
type Option func(*Interpreter)

// WithClock overrides the clock used to measure paused time.
func WithClock(now func() time.Time) Option {
	return func(in *Interpreter) { in.now = now }
}

// NewInterpreter returns an Interpreter. flusher and metrics may be nil; a
// nil logger uses [slog.Default].
func NewInterpreter(st *session.State, decoder Stopper, flusher Flusher, metrics *observe.Metrics, log *slog.Logger, opts ...Option) *Interpreter {
	if log == nil {
		log = slog.Default()
	}
	in := &Interpreter{
		state:   st,
		decoder: decoder,
		flusher: flusher,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Handle parses and applies one control datagram. Unknown commands are
// ignored and malformed ones are logged and dropped; neither ends the
// session. The returned error reports what was dropped.
func (in *Interpreter) Handle(ctx context.Context, data []byte) error {
	cmd, err := Parse(data)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		in.log.Debug("control: ignoring unknown command", "err", err)
		in.recordStatus(ctx, "unknown", "ignored")
		return err
	case err != nil:
		in.log.Warn("control: dropping malformed command", "err", err)
		in.recordStatus(ctx, commandName(data), "malformed")
		return err
	}
	in.Apply(ctx, cmd)
	in.recordStatus(ctx, string(cmd.Name()), "ok")
	return nil
}

// Apply mutates the session state for cmd.
func (in *Interpreter) Apply(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case Stop:
		in.log.Info("control: stop requested")
		in.state.Stop()
		if in.decoder != nil {
			in.decoder.Stop()
		}
	case Pause:
		in.log.Info("control: pause toggled", "paused", c.Paused)
		in.state.SetPaused(c.Paused, in.now())
	case SSRC:
		touched := in.state.MergeSpeakers(c.Speakers)
		in.log.Debug("control: speaker map updated", "entries", len(touched))
		if in.flusher != nil {
			for _, ssrc := range touched {
				in.flusher.Flush(ctx, ssrc)
			}
		}
	default:
		panic(fmt.Sprintf("control: unhandled command type %T", cmd))
	}
}

func (in *Interpreter) recordStatus(ctx context.Context, name, status string) {
	if in.metrics != nil {
		in.metrics.RecordControlCommand(ctx, name, status)
	}
}

// commandName extracts a bounded label for metrics from a rejected datagram.
func commandName(data []byte) string {
	first, _, _ := strings.Cut(string(data), fieldSep)
	switch n := Name(strings.TrimSpace(first)); n {
	case NameStop, NamePause, NameSSRC:
		return string(n)
	}
	return "unknown"
}
