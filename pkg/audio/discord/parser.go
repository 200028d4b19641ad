package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/pion/rtp"
)

// Parser turns raw voice datagrams into [discordgo.Packet] values carrying
// the decrypted Opus payload.
type Parser struct {
	dec Decrypter
}

// NewParser returns a Parser decrypting with dec.
func NewParser(dec Decrypter) *Parser {
	return &Parser{dec: dec}
}

// Parse reads the fixed RTP header and decrypts the remainder.
//
// Discord encrypts the header extension together with the payload, so only
// the fixed 12 bytes are handed to the RTP parser; the extension and CSRC
// bits are masked before parsing and the extension is stripped after
// decryption.
func (p *Parser) Parse(datagram []byte) (*discordgo.Packet, error) {
	if len(datagram) < rtpHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(datagram))
	}

	var fixed [rtpHeaderSize]byte
	copy(fixed[:], datagram[:rtpHeaderSize])
	fixed[0] &^= 0x1F // extension flag and CSRC count

	var h rtp.Header
	if _, err := h.Unmarshal(fixed[:]); err != nil {
		return nil, fmt.Errorf("discord: parse rtp header: %w", err)
	}

	payload, err := p.dec.Open(datagram[:rtpHeaderSize], datagram[rtpHeaderSize:])
	if err != nil {
		return nil, err
	}
	opus, err := stripHeaderExtension(payload)
	if err != nil {
		return nil, err
	}

	return &discordgo.Packet{
		SSRC:      h.SSRC,
		Sequence:  h.SequenceNumber,
		Timestamp: h.Timestamp,
		Type:      []byte{datagram[0], datagram[1]},
		Opus:      opus,
	}, nil
}
