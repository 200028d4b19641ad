// Package handoff implements the one-time transfer of the recording Sink
// into the worker at startup and back to the parent at shutdown.
//
// On the way in, the parent sends a serialised sink envelope as a single
// datagram from the control address. On the way out, the sink is cleaned up,
// serialised, and written as one line to standard output.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voicerec/pkg/sink"
)

// maxDatagram is the receive buffer size for one datagram.
const maxDatagram = 64 * 1024

var (
	// ErrAlreadyReceived is returned when a second handoff-in is attempted.
	ErrAlreadyReceived = errors.New("handoff: sink already received")

	// ErrAlreadyEmitted is returned when a second handoff-out is attempted.
	ErrAlreadyEmitted = errors.New("handoff: sink already emitted")

	// ErrNotReceived is returned by Emit before a sink was received.
	ErrNotReceived = errors.New("handoff: no sink received")
)

// Decoder turns a handoff payload into a Sink.
type Decoder interface {
	Decode(data []byte) (sink.Sink, error)
}

// Session enforces exactly one handoff in and one handoff out.
// It is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	sink     sink.Sink
	received bool
	emitted  bool
}

// Received reports whether a sink has been handed in.
func (s *Session) Received() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Sink returns the received sink, or nil.
func (s *Session) Sink() sink.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// Await waits for the handoff datagram from control and decodes it into the
// session's Sink. Datagrams from other senders are discarded. Each read
// waits at most poll so ctx cancellation is observed promptly.
//
// A payload that fails to decode is logged and Await keeps waiting; the
// parent may resend.
func (s *Session) Await(ctx context.Context, conn net.PacketConn, control netip.AddrPort, dec Decoder, poll time.Duration) (sink.Sink, error) {
	if s.Received() {
		return nil, ErrAlreadyReceived
	}

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("handoff: await sink: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
			return nil, fmt.Errorf("handoff: set read deadline: %w", err)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("handoff: read: %w", err)
		}
		if !SameAddr(addr, control) {
			continue
		}

		sk, err := dec.Decode(buf[:n])
		if err != nil {
			slog.Warn("handoff: rejecting sink payload", "bytes", n, "err", err)
			continue
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.received {
			return nil, ErrAlreadyReceived
		}
		s.sink = sk
		s.received = true
		slog.Info("handoff: sink received", "type", sk.Type())
		return sk, nil
	}
}

// Emit cleans up the received sink, serialises it, and writes it plus a
// newline to w. Cleanup runs exactly once even if serialisation fails; its
// error is logged and does not prevent emission.
func (s *Session) Emit(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.received {
		return ErrNotReceived
	}
	if s.emitted {
		return ErrAlreadyEmitted
	}
	s.emitted = true

	if err := s.sink.Cleanup(); err != nil {
		slog.Error("handoff: sink cleanup failed", "type", s.sink.Type(), "err", err)
	}
	data, err := sink.Encode(s.sink)
	if err != nil {
		return fmt.Errorf("handoff: emit: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("handoff: emit: %w", err)
	}
	return nil
}

// SameAddr reports whether addr is the UDP endpoint want. IPv4-mapped IPv6
// addresses compare equal to their IPv4 form.
func SameAddr(addr net.Addr, want netip.AddrPort) bool {
	var got netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		got = a.AddrPort()
	default:
		p, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return false
		}
		got = p
	}
	return got.Addr().Unmap() == want.Addr().Unmap() && got.Port() == want.Port()
}
