package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicerec/internal/observe"
	"github.com/MrWong99/voicerec/internal/session"
	"github.com/MrWong99/voicerec/internal/timeline"
	"github.com/MrWong99/voicerec/pkg/audio"
	sinkmock "github.com/MrWong99/voicerec/pkg/sink/mock"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// loopDecoder turns every submitted packet into a frame whose PCM is the
// packet payload. It stands in for the Opus decode subsystem.
type loopDecoder struct {
	mu      sync.Mutex
	frames  chan audio.Frame
	stopped int
	parsed  int
}

func newLoopDecoder() *loopDecoder {
	return &loopDecoder{frames: make(chan audio.Frame, 64)}
}

func (d *loopDecoder) Parse(datagram []byte) (*discordgo.Packet, error) {
	d.mu.Lock()
	d.parsed++
	d.mu.Unlock()
	if len(datagram) < 12 {
		return nil, errors.New("short packet")
	}
	return &discordgo.Packet{
		Sequence:  binary.BigEndian.Uint16(datagram[2:4]),
		Timestamp: binary.BigEndian.Uint32(datagram[4:8]),
		SSRC:      binary.BigEndian.Uint32(datagram[8:12]),
		Opus:      append([]byte(nil), datagram[12:]...),
	}, nil
}

func (d *loopDecoder) Submit(pkt *discordgo.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped > 0 {
		return errors.New("stopped")
	}
	d.frames <- audio.Frame{SSRC: pkt.SSRC, Timestamp: pkt.Timestamp, Sequence: pkt.Sequence, PCM: pkt.Opus}
	return nil
}

func (d *loopDecoder) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped == 0 {
		close(d.frames)
	}
	d.stopped++
}

func (d *loopDecoder) Frames() <-chan audio.Frame { return d.frames }

func (d *loopDecoder) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func listen(t *testing.T) net.PacketConn {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func addrOf(c net.PacketConn) netip.AddrPort {
	return c.LocalAddr().(*net.UDPAddr).AddrPort()
}

// rtp builds a minimal RTP datagram carrying payload.
func rtp(ssrc, ts uint32, seq uint16, payload []byte) []byte {
	b := make([]byte, 12, 12+len(payload))
	b[0] = 0x80
	b[1] = 0x78
	binary.BigEndian.PutUint16(b[2:4], seq)
	binary.BigEndian.PutUint32(b[4:8], ts)
	binary.BigEndian.PutUint32(b[8:12], ssrc)
	return append(b, payload...)
}

type harness struct {
	worker, media, control net.PacketConn
	state                  *session.State
	decoder                *loopDecoder
	sink                   *sinkmock.Sink
	reader                 *sdkmetric.ManualReader
	dispatcher             *Dispatcher
}

func newHarness(t *testing.T, speakers map[uint32]session.Speaker) *harness {
	t.Helper()
	h := &harness{
		worker:  listen(t),
		media:   listen(t),
		control: listen(t),
		state:   session.New(speakers),
		decoder: newLoopDecoder(),
		sink:    &sinkmock.Sink{},
		reader:  sdkmetric.NewManualReader(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	start := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return start }
	rec := timeline.New(timeline.Config{}, h.state, h.sink, timeline.WithClock(clock), timeline.WithMetrics(metrics))

	h.dispatcher, err = New(Config{
		Conn:         h.worker,
		Remote:       addrOf(h.media),
		Control:      addrOf(h.control),
		PollInterval: 5 * time.Millisecond,
		Metrics:      metrics,
		Now:          clock,
	}, h.state, h.decoder, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) send(t *testing.T, from net.PacketConn, data []byte) {
	t.Helper()
	if _, err := from.WriteTo(data, h.worker.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
}

// run starts the dispatcher and returns a function that waits for Run.
func (h *harness) run(t *testing.T, ctx context.Context) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.dispatcher.Run(ctx) }()
	return func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not stop")
			return nil
		}
	}
}

func datagramsFor(t *testing.T, reader *sdkmetric.ManualReader, channel string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voicerec.datagrams" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("channel")); ok && v.AsString() == channel {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	st := session.New(nil)
	rec := timeline.New(timeline.Config{}, st, &sinkmock.Sink{})
	conn := listen(t)

	if _, err := New(Config{}, st, newLoopDecoder(), rec); err == nil {
		t.Error("expected error without connection")
	}
	if _, err := New(Config{Conn: conn}, nil, newLoopDecoder(), rec); err == nil {
		t.Error("expected error without state")
	}
	d, err := New(Config{Conn: conn}, st, newLoopDecoder(), rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.cfg.PollInterval != DefaultPollInterval || d.cfg.ReadBuffer != DefaultReadBuffer {
		t.Errorf("defaults not applied: %+v", d.cfg)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_RoutesBySender(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	wait := h.run(t, context.Background())

	stray := listen(t)
	h.send(t, h.control, []byte(`SSRC--value {"111": {"user_id": "42"}}`))
	h.send(t, h.media, rtp(111, 1000, 1, []byte("frame-one")))
	h.send(t, h.media, rtp(111, 1960, 2, []byte("frame-two")))
	h.send(t, stray, rtp(111, 2920, 3, []byte("intruder")))
	h.send(t, h.media, rtp(222, 500, 1, []byte("unmapped")))
	h.send(t, h.control, []byte("STOP"))

	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.sink.WritesFor("42")
	if len(got) != 2 {
		t.Fatalf("writes for 42 = %d, want 2", len(got))
	}
	if !bytes.Equal(got[0], []byte("frame-one")) || !bytes.Equal(got[1], []byte("frame-two")) {
		t.Errorf("writes = %q", got)
	}
	if h.sink.WriteCount() != 2 {
		t.Errorf("total writes = %d, want 2", h.sink.WriteCount())
	}
	if h.state.Recording {
		t.Error("state still recording after STOP")
	}
	if h.state.StartingTime.IsZero() {
		t.Error("StartingTime not set")
	}
	if h.decoder.stopCount() == 0 {
		t.Error("decoder not stopped")
	}
	if n := datagramsFor(t, h.reader, "stray"); n != 1 {
		t.Errorf("stray datagrams = %d, want 1", n)
	}
	if n := datagramsFor(t, h.reader, "media"); n != 3 {
		t.Errorf("media datagrams = %d, want 3", n)
	}
}

func TestRun_PauseDropsMedia(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[uint32]session.Speaker{111: {UserID: "42"}})
	wait := h.run(t, context.Background())

	h.send(t, h.control, []byte("PAUSE--value true"))
	h.send(t, h.media, rtp(111, 1000, 1, []byte("paused")))
	h.send(t, h.control, []byte("PAUSE--value false"))
	h.send(t, h.media, rtp(111, 2000, 2, []byte("resumed")))
	h.send(t, h.control, []byte("STOP"))

	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.sink.WritesFor("42")
	if len(got) != 1 {
		t.Fatalf("writes = %d, want 1 (only the resumed frame)", len(got))
	}
	if !bytes.Equal(got[0], []byte("resumed")) {
		t.Errorf("write = %q, want %q", got[0], "resumed")
	}
	if ts, ok := h.state.Timestamps[111]; !ok || ts != 2000 {
		t.Errorf("timestamp = %d (set %v), want 2000 from the resumed frame", ts, ok)
	}
	if h.state.Paused {
		t.Error("STOP should clear paused")
	}
}

func TestRun_ReportsAndSilenceNeverReachDecoder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[uint32]session.Speaker{111: {UserID: "42"}})
	wait := h.run(t, context.Background())

	report := rtp(111, 0, 0, []byte{1, 2, 3, 4})
	report[1] = 200
	h.send(t, h.media, report)
	h.send(t, h.media, rtp(111, 1000, 1, []byte{0xF8, 0xFF, 0xFE}))
	h.send(t, h.media, []byte{0x80})
	h.send(t, h.control, []byte("STOP"))

	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sink.WriteCount() != 0 {
		t.Errorf("writes = %d, want 0", h.sink.WriteCount())
	}
	h.decoder.mu.Lock()
	parsed := h.decoder.parsed
	h.decoder.mu.Unlock()
	if parsed != 1 {
		t.Errorf("Parse calls = %d, want 1 (silence frame only)", parsed)
	}
}

func TestRun_MalformedCommandKeepsRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[uint32]session.Speaker{111: {UserID: "42"}})
	wait := h.run(t, context.Background())

	h.send(t, h.control, []byte("PAUSE--value maybe"))
	h.send(t, h.control, []byte("REWIND"))
	h.send(t, h.media, rtp(111, 1000, 1, []byte("still-here")))
	h.send(t, h.control, []byte("STOP"))

	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sink.WriteCount() != 1 {
		t.Errorf("writes = %d, want 1", h.sink.WriteCount())
	}
}

func TestRun_ContextCancelStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	wait := h.run(t, ctx)
	cancel()

	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.state.Recording {
		t.Error("state still recording after cancel")
	}
	if h.decoder.stopCount() == 0 {
		t.Error("decoder not stopped")
	}
}

func TestRun_ReadErrorIsImplicitStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_ = h.worker.Close()

	err := h.dispatcher.Run(context.Background())
	if err == nil {
		t.Fatal("expected read error")
	}
	if h.state.Recording {
		t.Error("state still recording after read error")
	}
	if h.decoder.stopCount() == 0 {
		t.Error("decoder not stopped")
	}
}

func TestRun_DrainsUnmappedAtShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	wait := h.run(t, context.Background())

	h.send(t, h.media, rtp(333, 0, 1, []byte("orphan")))
	h.send(t, h.control, []byte("STOP"))

	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sink.WriteCount() != 0 {
		t.Errorf("writes = %d, want 0", h.sink.WriteCount())
	}
}
