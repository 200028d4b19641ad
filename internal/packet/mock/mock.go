// Package mock provides a mock implementation of [packet.Decoder] for use in
// unit tests. It is safe for concurrent use.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicerec/internal/packet"
)

// Compile-time interface assertion.
var _ packet.Decoder = (*Decoder)(nil)

// Decoder is a mock implementation of [packet.Decoder].
type Decoder struct {
	mu sync.Mutex

	// ParseFunc, when set, replaces the default parse behaviour.
	// By default the packet's Opus payload is the datagram minus a 12-byte
	// header and SSRC/Timestamp are zero.
	ParseFunc func(datagram []byte) (*discordgo.Packet, error)

	// SubmitError is returned by Submit.
	SubmitError error

	// Parsed holds every datagram passed to Parse.
	Parsed [][]byte

	// Submitted holds every packet passed to Submit.
	Submitted []*discordgo.Packet

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Parse implements [packet.Decoder].
func (d *Decoder) Parse(datagram []byte) (*discordgo.Packet, error) {
	d.mu.Lock()
	d.Parsed = append(d.Parsed, append([]byte(nil), datagram...))
	fn := d.ParseFunc
	d.mu.Unlock()
	if fn != nil {
		return fn(datagram)
	}
	pkt := &discordgo.Packet{}
	if len(datagram) > 12 {
		pkt.Opus = datagram[12:]
	}
	return pkt, nil
}

// Submit implements [packet.Decoder].
func (d *Decoder) Submit(pkt *discordgo.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SubmitError != nil {
		return d.SubmitError
	}
	d.Submitted = append(d.Submitted, pkt)
	return nil
}

// Stop records a stop request, satisfying control.Stopper.
func (d *Decoder) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
}

// SubmitCount returns the number of accepted packets.
func (d *Decoder) SubmitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Submitted)
}

// ParseCount returns the number of Parse calls.
func (d *Decoder) ParseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Parsed)
}

// StopCount returns the number of Stop calls.
func (d *Decoder) StopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountStop
}
