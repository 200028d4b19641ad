// Package timeline aligns jittered decoded audio onto a continuous
// per-speaker PCM timeline by inserting synthetic silence before each frame.
//
// The first frame of a speaker is backfilled with silence covering the wall
// clock time since the session started. Later frames are preceded by silence
// covering the RTP-timestamp gap to the previous frame. Frames for SSRCs with
// no speaker mapping yet are held in a bounded queue until [Reconciler.Flush]
// is called for that SSRC.
package timeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voicerec/internal/observe"
	"github.com/MrWong99/voicerec/internal/session"
	"github.com/MrWong99/voicerec/pkg/audio"
	"github.com/MrWong99/voicerec/pkg/sink"
)

// DefaultMaxPending bounds the frames held per unmapped SSRC (10 s of audio).
const DefaultMaxPending = 500

// DefaultMaxGap is the largest RTP gap, in samples, filled with silence
// (5 s at 48 kHz).
const DefaultMaxGap = 5 * audio.DefaultSampleRate

// Config holds the audio layout the reconciler computes silence for.
type Config struct {
	// SampleRate in Hz. Default: 48000.
	SampleRate int

	// Channels is the interleaved channel count. Default: 2.
	Channels int

	// FrameSize is the RTP timestamp increment of one frame. Default: 960.
	FrameSize int

	// MaxPending bounds the frames held per unmapped SSRC. Default: 500.
	MaxPending int

	// MaxGap is the largest gap, in samples, filled with silence. A larger
	// forward jump re-anchors the timestamp instead. Default: [DefaultMaxGap].
	MaxGap int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = audio.DefaultChannels
	}
	if c.FrameSize <= 0 {
		c.FrameSize = audio.DefaultFrameSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.MaxGap <= 0 {
		c.MaxGap = DefaultMaxGap
	}
}

// Option configures a [Reconciler].
type Option func(*Reconciler)

// WithClock overrides the wall clock used for join backfill.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMetrics records timeline metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger overrides the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// Reconciler turns decoded frames into sink writes. It is not safe for
// concurrent use; it runs on the goroutine that owns the session state.
type Reconciler struct {
	cfg     Config
	state   *session.State
	sink    sink.Sink
	now     func() time.Time
	metrics *observe.Metrics
	log     *slog.Logger

	pending map[uint32][][]byte
	held    int
}

// New returns a Reconciler writing to s and tracking timestamps in st.
func New(cfg Config, st *session.State, s sink.Sink, opts ...Option) *Reconciler {
	cfg.applyDefaults()
	r := &Reconciler{
		cfg:     cfg,
		state:   st,
		sink:    s,
		now:     time.Now,
		log:     slog.Default(),
		pending: make(map[uint32][][]byte),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Process aligns one decoded frame and writes it, or holds it when the SSRC
// has no speaker mapping yet.
func (r *Reconciler) Process(ctx context.Context, f audio.Frame) {
	pcm := audio.PrependSilence(f.PCM, r.silenceFor(ctx, f))

	sp, ok := r.state.Speaker(f.SSRC)
	if !ok || len(r.pending[f.SSRC]) > 0 {
		r.hold(ctx, f.SSRC, pcm)
		if ok {
			r.Flush(ctx, f.SSRC)
		}
		return
	}
	r.write(ctx, f.SSRC, sp.UserID, pcm)
}

// silenceFor updates the SSRC's timestamp and returns the number of zero
// samples to prepend.
func (r *Reconciler) silenceFor(ctx context.Context, f audio.Frame) int {
	last, seen := r.state.Timestamps[f.SSRC]
	if !seen {
		r.state.Timestamps[f.SSRC] = f.Timestamp
		n := audio.SamplesFor(r.cfg.Channels, r.cfg.SampleRate, r.state.Elapsed(r.now()).Seconds())
		r.record(ctx, "join", n)
		return n
	}
	if r.state.Rebase[f.SSRC] {
		delete(r.state.Rebase, f.SSRC)
		r.state.Timestamps[f.SSRC] = f.Timestamp
		r.log.Debug("timeline: re-anchoring timestamp after resume", "ssrc", f.SSRC, "timestamp", f.Timestamp)
		r.reset(ctx, "resume")
		return 0
	}

	// Serial-number arithmetic so the RTP timestamp may wrap.
	delta := int64(int32(f.Timestamp - last))
	if delta < 0 {
		r.log.Debug("timeline: frame timestamp went backwards",
			"ssrc", f.SSRC, "timestamp", f.Timestamp, "last", last)
		if r.metrics != nil {
			r.metrics.ReorderedFrames.Add(ctx, 1)
		}
		return 0
	}
	r.state.Timestamps[f.SSRC] = f.Timestamp

	gap := int(delta) - r.cfg.FrameSize
	if gap <= 0 {
		return 0
	}
	if gap > r.cfg.MaxGap {
		r.log.Warn("timeline: timestamp jump exceeds max gap, re-anchoring",
			"ssrc", f.SSRC, "gap", gap, "max_gap", r.cfg.MaxGap)
		r.reset(ctx, "jump")
		return 0
	}
	r.record(ctx, "gap", gap)
	return gap
}

func (r *Reconciler) reset(ctx context.Context, reason string) {
	if r.metrics != nil {
		r.metrics.RecordTimestampReset(ctx, reason)
	}
}

func (r *Reconciler) record(ctx context.Context, reason string, n int) {
	if r.metrics != nil {
		r.metrics.RecordSilence(ctx, reason, n)
	}
}

func (r *Reconciler) hold(ctx context.Context, ssrc uint32, pcm []byte) {
	q := r.pending[ssrc]
	if len(q) >= r.cfg.MaxPending {
		r.log.Warn("timeline: pending queue full, dropping oldest frame",
			"ssrc", ssrc, "max_pending", r.cfg.MaxPending)
		q[0] = nil
		q = q[1:]
		r.held--
		if r.metrics != nil {
			r.metrics.RecordFramesDropped(ctx, "overflow", 1)
			r.metrics.PendingFrames.Add(ctx, -1)
		}
	}
	r.pending[ssrc] = append(q, pcm)
	r.held++
	if r.metrics != nil {
		r.metrics.PendingFrames.Add(ctx, 1)
	}
}

// Flush writes every frame held for ssrc, in arrival order, if the SSRC is
// now mapped. It returns the number of frames written.
func (r *Reconciler) Flush(ctx context.Context, ssrc uint32) int {
	q := r.pending[ssrc]
	if len(q) == 0 {
		return 0
	}
	sp, ok := r.state.Speaker(ssrc)
	if !ok {
		return 0
	}
	delete(r.pending, ssrc)
	r.held -= len(q)
	if r.metrics != nil {
		r.metrics.PendingFrames.Add(ctx, -int64(len(q)))
	}
	r.log.Debug("timeline: flushing held frames", "ssrc", ssrc, "user_id", sp.UserID, "frames", len(q))
	for _, pcm := range q {
		r.write(ctx, ssrc, sp.UserID, pcm)
	}
	return len(q)
}

// Pending returns the number of frames currently held across all SSRCs.
func (r *Reconciler) Pending() int {
	return r.held
}

// Drain discards frames still held for unmapped SSRCs and returns how many
// were discarded. Call it once at shutdown.
func (r *Reconciler) Drain(ctx context.Context) int {
	n := r.held
	for ssrc, q := range r.pending {
		r.log.Warn("timeline: speaker never mapped, discarding held audio",
			"ssrc", ssrc, "frames", len(q))
	}
	clear(r.pending)
	r.held = 0
	if r.metrics != nil && n > 0 {
		r.metrics.RecordFramesDropped(ctx, "unmapped", n)
		r.metrics.PendingFrames.Add(ctx, -int64(n))
	}
	return n
}

func (r *Reconciler) write(ctx context.Context, ssrc uint32, userID string, pcm []byte) {
	if err := r.sink.Write(pcm, userID); err != nil {
		r.log.Error("timeline: sink write failed", "ssrc", ssrc, "user_id", userID, "err", err)
		if r.metrics != nil {
			r.metrics.RecordFrameWritten(ctx, "error")
		}
		return
	}
	if r.metrics != nil {
		r.metrics.RecordFrameWritten(ctx, "ok")
	}
}
