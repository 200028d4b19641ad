// Package dispatch runs the receive loop of a recording session.
//
// A single [net.PacketConn] carries both the control channel and the media
// stream. The [Dispatcher] demultiplexes datagrams by sender: control
// datagrams go to the command interpreter, media datagrams go through the
// packet filter into the decode subsystem, and anything else is dropped.
// Decoded frames are pulled back between reads and handed to the timeline
// reconciler, so the session state is touched by one goroutine only.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/MrWong99/voicerec/internal/control"
	"github.com/MrWong99/voicerec/internal/handoff"
	"github.com/MrWong99/voicerec/internal/observe"
	"github.com/MrWong99/voicerec/internal/packet"
	"github.com/MrWong99/voicerec/internal/session"
	"github.com/MrWong99/voicerec/pkg/audio"
)

const (
	// DefaultPollInterval bounds each blocking read.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultReadBuffer is the receive buffer size for one datagram.
	DefaultReadBuffer = 4096
)

// Channel labels for the datagram counter.
const (
	channelControl = "control"
	channelMedia   = "media"
	channelStray   = "stray"
)

// Decoder is the decode subsystem as seen by the dispatcher.
type Decoder interface {
	packet.Decoder
	control.Stopper

	// Frames delivers decoded audio and is closed once the decoder has
	// stopped and drained.
	Frames() <-chan audio.Frame
}

// Reconciler places decoded frames on the session timeline.
type Reconciler interface {
	control.Flusher
	Process(ctx context.Context, f audio.Frame)
	Drain(ctx context.Context) int
}

// Config configures a [Dispatcher].
type Config struct {
	// Conn is the bound socket shared by control and media.
	Conn net.PacketConn

	// Remote is the voice server's media address.
	Remote netip.AddrPort

	// Control is the parent process's control address.
	Control netip.AddrPort

	// PollInterval bounds each read. Defaults to [DefaultPollInterval].
	PollInterval time.Duration

	// ReadBuffer is the datagram buffer size. Defaults to [DefaultReadBuffer].
	ReadBuffer int

	// Metrics is optional.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Now defaults to [time.Now].
	Now func() time.Time
}

// Dispatcher owns the receive loop. It is not safe for concurrent use;
// Run must be called once.
type Dispatcher struct {
	cfg         Config
	state       *session.State
	decoder     Decoder
	reconciler  Reconciler
	filter      *packet.Filter
	interpreter *control.Interpreter
	log         *slog.Logger
}

// New wires a Dispatcher around st. The decoder must already be running.
func New(cfg Config, st *session.State, decoder Decoder, rec Reconciler) (*Dispatcher, error) {
	if cfg.Conn == nil {
		return nil, errors.New("dispatch: connection is required")
	}
	if st == nil || decoder == nil || rec == nil {
		return nil, errors.New("dispatch: state, decoder and reconciler are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		cfg:         cfg,
		state:       st,
		decoder:     decoder,
		reconciler:  rec,
		filter:      packet.NewFilter(decoder, cfg.Logger),
		interpreter: control.NewInterpreter(st, decoder, rec, cfg.Metrics, cfg.Logger, control.WithClock(cfg.Now)),
		log:         cfg.Logger,
	}, nil
}

// Run processes datagrams until the session stops. A STOP command, context
// cancellation and a fatal read error all end the loop; in every case the
// decoder is stopped and its remaining frames are reconciled before Run
// returns. Only a read error is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.state.StartingTime = d.cfg.Now()
	d.log.Info("dispatch: session started",
		"remote", d.cfg.Remote.String(),
		"control", d.cfg.Control.String(),
		"speakers", len(d.state.Speakers),
	)

	runErr := d.loop(ctx)

	// Shutdown work must finish even when ctx is already cancelled.
	ctx = context.WithoutCancel(ctx)
	d.decoder.Stop()
	for f := range d.decoder.Frames() {
		d.reconciler.Process(ctx, f)
	}
	if n := d.reconciler.Drain(ctx); n > 0 {
		d.log.Warn("dispatch: discarded frames from unmapped sources", "frames", n)
	}
	d.log.Info("dispatch: session ended", "duration", d.state.Elapsed(d.cfg.Now()))
	return runErr
}

func (d *Dispatcher) loop(ctx context.Context) error {
	buf := make([]byte, d.cfg.ReadBuffer)
	for d.state.Recording {
		if ctx.Err() != nil {
			d.log.Info("dispatch: context cancelled, stopping", "err", ctx.Err())
			d.interpreter.Apply(ctx, control.Stop{})
			return nil
		}
		d.pump(ctx)

		if err := d.cfg.Conn.SetReadDeadline(time.Now().Add(d.cfg.PollInterval)); err != nil {
			d.interpreter.Apply(ctx, control.Stop{})
			return fmt.Errorf("dispatch: set read deadline: %w", err)
		}
		n, addr, err := d.cfg.Conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			d.log.Error("dispatch: read failed, stopping", "err", err)
			d.interpreter.Apply(ctx, control.Stop{})
			return fmt.Errorf("dispatch: read: %w", err)
		}
		d.route(ctx, addr, buf[:n])
	}
	return nil
}

// route hands one datagram to the handler for its sender.
func (d *Dispatcher) route(ctx context.Context, addr net.Addr, data []byte) {
	switch {
	case handoff.SameAddr(addr, d.cfg.Control):
		d.recordDatagram(ctx, channelControl)
		_ = d.interpreter.Handle(ctx, data)
	case handoff.SameAddr(addr, d.cfg.Remote):
		d.recordDatagram(ctx, channelMedia)
		v := d.filter.Handle(d.state, data)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordMediaVerdict(ctx, v.String())
		}
	default:
		d.recordDatagram(ctx, channelStray)
	}
}

// pump feeds every frame that is ready without blocking.
func (d *Dispatcher) pump(ctx context.Context) {
	frames := d.decoder.Frames()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			d.reconciler.Process(ctx, f)
		default:
			return
		}
	}
}

func (d *Dispatcher) recordDatagram(ctx context.Context, channel string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordDatagram(ctx, channel)
	}
}
