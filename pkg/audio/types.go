// Package audio defines the decoded audio types that flow from the decode
// subsystem into the timeline reconciler, plus small PCM helpers.
//
// All PCM in this module is signed 16-bit little-endian, interleaved when
// more than one channel is present.
package audio

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	FrameDurationMs   = 20
	// DefaultFrameSize is the number of samples per channel per 20 ms frame.
	DefaultFrameSize = DefaultSampleRate * FrameDurationMs / 1000 // 960

	// BytesPerSample is the width of one s16le sample.
	BytesPerSample = 2
)

// Frame is a single decoded audio frame for one media source.
// Ownership of PCM passes to whoever receives the frame.
type Frame struct {
	// SSRC identifies the RTP source (speaker) that produced the frame.
	SSRC uint32

	// Timestamp is the RTP timestamp of the packet the frame was decoded from.
	Timestamp uint32

	// Sequence is the RTP sequence number, kept for diagnostics.
	Sequence uint16

	// PCM holds s16le samples.
	PCM []byte
}
