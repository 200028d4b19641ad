// Package packet classifies media datagrams and filters out everything that
// does not carry decodable audio before it reaches the decode subsystem.
package packet

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicerec/internal/session"
)

// RTCP payload types (SR, RR, SDES, BYE, APP) occupy byte 1 of the datagram.
const (
	reportTypeMin = 200
	reportTypeMax = 204
)

// silenceFrame is the Opus frame Discord sends to mark intentional silence.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// Kind labels a raw media datagram.
type Kind int

const (
	// KindInvalid is a datagram too short to carry a payload type.
	KindInvalid Kind = iota

	// KindReport is an RTCP connection-quality report.
	KindReport

	// KindAudio is an RTP datagram that may carry audio.
	KindAudio
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindReport:
		return "report"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Classify inspects byte 1 of datagram.
func Classify(datagram []byte) Kind {
	if len(datagram) < 2 {
		return KindInvalid
	}
	if pt := datagram[1]; pt >= reportTypeMin && pt <= reportTypeMax {
		return KindReport
	}
	return KindAudio
}

// IsSilence reports whether a decrypted payload is exactly the silence frame.
func IsSilence(payload []byte) bool {
	return bytes.Equal(payload, silenceFrame)
}

// Decoder is the slice of the decode subsystem the filter needs.
type Decoder interface {
	// Parse decrypts datagram into a media packet.
	Parse(datagram []byte) (*discordgo.Packet, error)

	// Submit queues pkt for asynchronous decoding. It must not block.
	Submit(pkt *discordgo.Packet) error
}

// Verdict is the outcome of [Filter.Handle].
type Verdict int

const (
	// Submitted means the packet was queued for decoding.
	Submitted Verdict = iota

	// DroppedInvalid means the datagram was too short to classify.
	DroppedInvalid

	// DroppedReport means the datagram was an RTCP report.
	DroppedReport

	// DroppedPaused means the session was paused.
	DroppedPaused

	// DroppedUndecryptable means parsing or decryption failed.
	DroppedUndecryptable

	// DroppedSilence means the payload was the silence frame.
	DroppedSilence

	// DroppedBackpressure means the decoder refused the packet.
	DroppedBackpressure
)

// String returns the metric label for the verdict.
func (v Verdict) String() string {
	switch v {
	case Submitted:
		return "submitted"
	case DroppedInvalid:
		return "invalid"
	case DroppedReport:
		return "rtcp"
	case DroppedPaused:
		return "paused"
	case DroppedUndecryptable:
		return "undecryptable"
	case DroppedSilence:
		return "silence"
	case DroppedBackpressure:
		return "backpressure"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Filter applies the media drop rules and forwards surviving packets to a
// [Decoder].
type Filter struct {
	decoder Decoder
	log     *slog.Logger
}

// NewFilter returns a Filter submitting to decoder. A nil logger uses
// [slog.Default].
func NewFilter(decoder Decoder, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{decoder: decoder, log: log}
}

// Handle classifies and filters one media datagram. The state is only read.
func (f *Filter) Handle(st *session.State, datagram []byte) Verdict {
	switch Classify(datagram) {
	case KindInvalid:
		return DroppedInvalid
	case KindReport:
		return DroppedReport
	}
	if st.Paused {
		return DroppedPaused
	}

	pkt, err := f.decoder.Parse(datagram)
	if err != nil {
		f.log.Debug("packet: dropping undecryptable datagram", "bytes", len(datagram), "err", err)
		return DroppedUndecryptable
	}
	if IsSilence(pkt.Opus) {
		return DroppedSilence
	}
	if err := f.decoder.Submit(pkt); err != nil {
		f.log.Warn("packet: decoder refused packet", "ssrc", pkt.SSRC, "err", err)
		return DroppedBackpressure
	}
	return Submitted
}
