package packet_test

import (
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicerec/internal/packet"
	"github.com/MrWong99/voicerec/internal/packet/mock"
	"github.com/MrWong99/voicerec/internal/session"
)

// datagram builds a 12-byte header with the given byte 1 followed by payload.
func datagram(pt byte, payload ...byte) []byte {
	d := make([]byte, 12, 12+len(payload))
	d[0] = 0x80
	d[1] = pt
	return append(d, payload...)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if got := packet.Classify(nil); got != packet.KindInvalid {
		t.Errorf("Classify(nil) = %v, want invalid", got)
	}
	if got := packet.Classify([]byte{0x80}); got != packet.KindInvalid {
		t.Errorf("Classify(1 byte) = %v, want invalid", got)
	}
	for pt := 0; pt < 256; pt++ {
		want := packet.KindAudio
		if pt >= 200 && pt <= 204 {
			want = packet.KindReport
		}
		if got := packet.Classify(datagram(byte(pt))); got != want {
			t.Errorf("Classify(pt=%d) = %v, want %v", pt, got, want)
		}
	}
}

func TestIsSilence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		payload []byte
		want    bool
	}{
		{[]byte{0xF8, 0xFF, 0xFE}, true},
		{[]byte{0xF8, 0xFF}, false},
		{[]byte{0xF8, 0xFF, 0xFE, 0x00}, false},
		{[]byte{0xF8, 0xFF, 0xFF}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := packet.IsSilence(tt.payload); got != tt.want {
			t.Errorf("IsSilence(%x) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}

func TestFilter_ReportsNeverReachDecoder(t *testing.T) {
	t.Parallel()

	dec := &mock.Decoder{}
	f := packet.NewFilter(dec, nil)
	st := session.New(nil)
	for pt := 200; pt <= 204; pt++ {
		if v := f.Handle(st, datagram(byte(pt), 1, 2, 3, 4)); v != packet.DroppedReport {
			t.Errorf("pt=%d verdict = %v, want rtcp", pt, v)
		}
	}
	if dec.ParseCount() != 0 || dec.SubmitCount() != 0 {
		t.Errorf("decoder touched: parse=%d submit=%d", dec.ParseCount(), dec.SubmitCount())
	}
}

func TestFilter_Paused(t *testing.T) {
	t.Parallel()

	dec := &mock.Decoder{}
	f := packet.NewFilter(dec, nil)
	st := session.New(nil)
	st.Paused = true

	if v := f.Handle(st, datagram(0x78, 1, 2, 3, 4)); v != packet.DroppedPaused {
		t.Fatalf("verdict = %v, want paused", v)
	}
	if dec.ParseCount() != 0 || dec.SubmitCount() != 0 {
		t.Error("paused session must not touch the decoder")
	}
	if len(st.Timestamps) != 0 {
		t.Error("paused session must not mutate timestamps")
	}

	st.Paused = false
	if v := f.Handle(st, datagram(0x78, 1, 2, 3, 4)); v != packet.Submitted {
		t.Fatalf("verdict after resume = %v, want submitted", v)
	}
}

func TestFilter_SilenceFrameDropped(t *testing.T) {
	t.Parallel()

	dec := &mock.Decoder{}
	f := packet.NewFilter(dec, nil)
	if v := f.Handle(session.New(nil), datagram(0x78, 0xF8, 0xFF, 0xFE)); v != packet.DroppedSilence {
		t.Fatalf("verdict = %v, want silence", v)
	}
	if dec.SubmitCount() != 0 {
		t.Error("silence frame reached the decoder")
	}
}

func TestFilter_ParseAndSubmitErrors(t *testing.T) {
	t.Parallel()

	dec := &mock.Decoder{
		ParseFunc: func([]byte) (*discordgo.Packet, error) { return nil, errors.New("bad mac") },
	}
	f := packet.NewFilter(dec, nil)
	if v := f.Handle(session.New(nil), datagram(0x78, 1)); v != packet.DroppedUndecryptable {
		t.Errorf("verdict = %v, want undecryptable", v)
	}

	full := &mock.Decoder{SubmitError: errors.New("queue full")}
	f = packet.NewFilter(full, nil)
	if v := f.Handle(session.New(nil), datagram(0x78, 1)); v != packet.DroppedBackpressure {
		t.Errorf("verdict = %v, want backpressure", v)
	}
}

func TestVerdict_String(t *testing.T) {
	t.Parallel()

	if packet.DroppedReport.String() != "rtcp" {
		t.Errorf("DroppedReport.String() = %q", packet.DroppedReport.String())
	}
	if packet.Verdict(99).String() != "verdict(99)" {
		t.Errorf("unknown verdict string = %q", packet.Verdict(99).String())
	}
}
