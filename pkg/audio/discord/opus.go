package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voicerec/pkg/audio"
)

// maxFrameSize is the largest Opus frame (120 ms) in samples per channel.
const maxFrameSize = audio.DefaultSampleRate * 120 / 1000

// frameDecoder decodes one SSRC's Opus stream to s16le PCM.
type frameDecoder interface {
	decode(opus []byte) ([]byte, error)
}

// opusDecoder wraps a gopus Opus decoder for a single participant stream.
// Each participant gets its own decoder to maintain decoder state correctly
// across consecutive frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

// newOpusDecoder creates a new Opus decoder configured for Discord audio.
func newOpusDecoder(sampleRate, channels int) (frameDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes an Opus packet into interleaved PCM and returns it as
// little-endian int16 bytes.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}
