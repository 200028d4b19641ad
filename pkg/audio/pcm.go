package audio

import "math"

// Silence returns n zero-valued s16le samples. Non-positive n yields nil.
func Silence(n int) []byte {
	if n <= 0 {
		return nil
	}
	return make([]byte, n*BytesPerSample)
}

// PrependSilence returns pcm with n zero samples in front of it.
// When n is non-positive, pcm is returned unchanged.
func PrependSilence(pcm []byte, n int) []byte {
	if n <= 0 {
		return pcm
	}
	return append(Silence(n), pcm...)
}

// SamplesFor returns the number of samples covering seconds of audio at the
// given channel count and sample rate, rounded to the nearest integer.
func SamplesFor(channels, sampleRate int, seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Round(float64(channels) * float64(sampleRate) * seconds))
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
