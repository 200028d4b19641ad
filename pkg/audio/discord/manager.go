// Package discord decodes Discord voice datagrams: it parses the RTP header
// with pion/rtp, decrypts the payload with NaCl secretbox in the negotiated
// mode, and decodes Opus to PCM with gopus on a background goroutine.
//
// The [Manager] is the asynchronous decode subsystem of the receive worker.
// Packets go in through [Manager.Submit] and decoded [audio.Frame] values
// come out of [Manager.Frames] in per-SSRC submission order.
package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicerec/internal/observe"
	"github.com/MrWong99/voicerec/pkg/audio"
)

// DefaultQueueSize bounds packets waiting for decode (about 2 s of audio
// for five speakers).
const DefaultQueueSize = 512

var (
	// ErrQueueFull is returned by Submit when the decode queue is full.
	ErrQueueFull = errors.New("discord: decode queue full")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("discord: decoder stopped")
)

// Config configures a [Manager].
type Config struct {
	// Mode is the payload encryption mode. Default: [ModePlain].
	Mode Mode

	// SecretKey is the 32-byte voice session key.
	SecretKey [32]byte

	// SampleRate of decoded PCM. Default: 48000.
	SampleRate int

	// Channels of decoded PCM. Default: 2.
	Channels int

	// QueueSize bounds both the packet and the frame queue. Default: 512.
	QueueSize int

	// Metrics receives decode metrics. Optional.
	Metrics *observe.Metrics
}

// Manager runs Opus decoding off the receive path. Parse and Submit are
// called from the dispatcher goroutine; decoding runs on a goroutine
// started by [Manager.Start].
//
// Manager is safe for concurrent use.
type Manager struct {
	cfg    Config
	parser *Parser

	mu      sync.Mutex
	queue   chan *discordgo.Packet
	stopped bool
	running bool

	frames chan audio.Frame

	// newDecoder creates the per-SSRC decoder. Overridden in tests.
	newDecoder func(sampleRate, channels int) (frameDecoder, error)
}

// NewManager returns a Manager that has not been started.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModePlain
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = audio.DefaultChannels
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	dec, err := NewDecrypter(cfg.Mode, cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		parser:     NewParser(dec),
		queue:      make(chan *discordgo.Packet, cfg.QueueSize),
		frames:     make(chan audio.Frame, cfg.QueueSize),
		newDecoder: newOpusDecoder,
	}, nil
}

// Parse decrypts a raw datagram into a media packet.
func (m *Manager) Parse(datagram []byte) (*discordgo.Packet, error) {
	return m.parser.Parse(datagram)
}

// Start launches the decode goroutine. The goroutine exits once Stop has
// been called and the queue is drained, or when ctx is cancelled; either
// way Frames is closed.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	go m.loop(ctx)
}

// Submit queues pkt for decoding without blocking.
func (m *Manager) Submit(pkt *discordgo.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	select {
	case m.queue <- pkt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting packets. Queued packets are still decoded and
// delivered. Stop does not block and is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.queue)
}

// Frames returns the channel of decoded frames. It is closed when the
// decode goroutine exits.
func (m *Manager) Frames() <-chan audio.Frame {
	return m.frames
}

// Running reports whether the decode goroutine is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) loop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.frames)
	}()

	decoders := make(map[uint32]frameDecoder)
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-m.queue:
			if !ok {
				return
			}
			frame, ok := m.decode(ctx, decoders, pkt)
			if !ok {
				continue
			}
			select {
			case m.frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) decode(ctx context.Context, decoders map[uint32]frameDecoder, pkt *discordgo.Packet) (audio.Frame, bool) {
	dec, exists := decoders[pkt.SSRC]
	if !exists {
		var err error
		dec, err = m.newDecoder(m.cfg.SampleRate, m.cfg.Channels)
		if err != nil {
			slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
			return audio.Frame{}, false
		}
		decoders[pkt.SSRC] = dec
	}

	start := time.Now()
	pcm, err := dec.decode(pkt.Opus)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "seq", pkt.Sequence, "err", err)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.DecodeErrors.Add(ctx, 1)
		}
		return audio.Frame{}, false
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.FramesDecoded.Add(ctx, 1)
	}
	return audio.Frame{
		SSRC:      pkt.SSRC,
		Timestamp: pkt.Timestamp,
		Sequence:  pkt.Sequence,
		PCM:       pcm,
	}, true
}
