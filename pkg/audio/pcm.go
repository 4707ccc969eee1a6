// Package audio provides PCM wire-format constants and conversion helpers
// shared by the capture, chunking, transcoding, and transcription layers.
//
// The wire format throughout the system is fixed: 48 kHz, stereo, signed
// 16-bit little-endian PCM, delivered by the voice platform in 20 ms Opus
// frames.
package audio

import "time"

// Wire-format constants. Every buffer that crosses a package boundary is
// expected to respect these.
const (
	// SampleRate is the PCM sample rate in Hz.
	SampleRate = 48000

	// Channels is the number of interleaved channels.
	Channels = 2

	// BytesPerSample is the width of a single sample (signed 16-bit).
	BytesPerSample = 2

	// FrameMS is the duration of one voice frame in milliseconds.
	FrameMS = 20

	// BytesPerMS is the number of PCM bytes per millisecond of audio.
	BytesPerMS = SampleRate * Channels * BytesPerSample / 1000 // 192

	// FrameBytes is the number of PCM bytes in one 20 ms frame.
	FrameBytes = FrameMS * BytesPerMS // 3840

	// WindowMS is the fixed chunk window duration in milliseconds.
	WindowMS = 30_000

	// WindowBytes is the number of PCM bytes in one full window.
	WindowBytes = WindowMS * BytesPerMS // 5 760 000
)

// DurationMS returns the duration in milliseconds of n bytes of wire-format
// PCM. The result is truncated toward zero for non-millisecond-aligned input.
func DurationMS(n int) int64 {
	return int64(n) / BytesPerMS
}

// Duration returns the duration of n bytes of wire-format PCM.
func Duration(n int) time.Duration {
	return time.Duration(DurationMS(n)) * time.Millisecond
}

// FrameAligned reports whether n is a whole number of 20 ms frames.
func FrameAligned(n int) bool {
	return n%FrameBytes == 0
}

// CeilToFrame rounds a byte count up to the next frame boundary.
func CeilToFrame(n int) int {
	if FrameAligned(n) {
		return n
	}
	return (n/FrameBytes + 1) * FrameBytes
}

// CeilMSToFrames rounds a millisecond gap up to a whole number of frames and
// returns the padded gap in milliseconds. A 15 ms gap becomes 20 ms; a
// 2961 ms gap becomes 2980 ms.
func CeilMSToFrames(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	frames := (ms + FrameMS - 1) / FrameMS
	return frames * FrameMS
}

// Silence returns n bytes of wire-format silence. Signed 16-bit PCM silence
// is all zero bytes.
func Silence(n int) []byte {
	return make([]byte, n)
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
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
