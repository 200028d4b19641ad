package discord

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Mode names the transport encryption negotiated on the voice gateway.
type Mode string

const (
	// ModeXSalsa20Poly1305 uses the 12-byte RTP header, zero-padded, as nonce.
	ModeXSalsa20Poly1305 Mode = "xsalsa20_poly1305"

	// ModeXSalsa20Poly1305Suffix appends a random 24-byte nonce to the payload.
	ModeXSalsa20Poly1305Suffix Mode = "xsalsa20_poly1305_suffix"

	// ModeXSalsa20Poly1305Lite appends a 4-byte incrementing nonce.
	ModeXSalsa20Poly1305Lite Mode = "xsalsa20_poly1305_lite"

	// ModePlain carries unencrypted Opus. Used by local relays and tests.
	ModePlain Mode = "plain"
)

// IsValid reports whether m is a supported mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeXSalsa20Poly1305, ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305Lite, ModePlain:
		return true
	}
	return false
}

const (
	rtpHeaderSize = 12
	nonceSize     = 24
	liteNonceSize = 4
)

var (
	// ErrShortPacket is returned for datagrams too small for the mode.
	ErrShortPacket = errors.New("discord: packet too short")

	// ErrDecrypt is returned when authentication of the payload fails.
	ErrDecrypt = errors.New("discord: decryption failed")
)

// Decrypter opens the encrypted payload that follows a fixed RTP header.
type Decrypter interface {
	Open(header, payload []byte) ([]byte, error)
}

// NewDecrypter returns the [Decrypter] for mode. The key is ignored for
// [ModePlain].
func NewDecrypter(mode Mode, key [32]byte) (Decrypter, error) {
	switch mode {
	case ModeXSalsa20Poly1305:
		return headerNonce{key: key}, nil
	case ModeXSalsa20Poly1305Suffix:
		return suffixNonce{key: key}, nil
	case ModeXSalsa20Poly1305Lite:
		return liteNonce{key: key}, nil
	case ModePlain:
		return plain{}, nil
	default:
		return nil, fmt.Errorf("discord: unsupported encryption mode %q", mode)
	}
}

type headerNonce struct{ key [32]byte }

func (d headerNonce) Open(header, payload []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	copy(nonce[:], header[:rtpHeaderSize])
	out, ok := secretbox.Open(nil, payload, &nonce, &d.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

type suffixNonce struct{ key [32]byte }

func (d suffixNonce) Open(_, payload []byte) ([]byte, error) {
	if len(payload) < nonceSize+secretbox.Overhead {
		return nil, ErrShortPacket
	}
	var nonce [nonceSize]byte
	split := len(payload) - nonceSize
	copy(nonce[:], payload[split:])
	out, ok := secretbox.Open(nil, payload[:split], &nonce, &d.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

type liteNonce struct{ key [32]byte }

func (d liteNonce) Open(_, payload []byte) ([]byte, error) {
	if len(payload) < liteNonceSize+secretbox.Overhead {
		return nil, ErrShortPacket
	}
	var nonce [nonceSize]byte
	split := len(payload) - liteNonceSize
	copy(nonce[:], payload[split:])
	out, ok := secretbox.Open(nil, payload[:split], &nonce, &d.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

type plain struct{}

// Open copies payload so the packet outlives the caller's read buffer.
func (plain) Open(_, payload []byte) ([]byte, error) {
	return bytes.Clone(payload), nil
}

// stripHeaderExtension removes the one-byte-header RTP extension (profile
// 0xBEDE) Discord places at the start of the encrypted payload.
func stripHeaderExtension(data []byte) ([]byte, error) {
	if len(data) <= 4 || data[0] != 0xBE || data[1] != 0xDE {
		return data, nil
	}
	words := int(binary.BigEndian.Uint16(data[2:4]))
	offset := 4 + words*4
	if offset > len(data) {
		return nil, fmt.Errorf("%w: header extension of %d words exceeds payload", ErrShortPacket, words)
	}
	return data[offset:], nil
}
