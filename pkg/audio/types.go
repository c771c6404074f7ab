package audio

import "time"

// Standard sample rates of the live session wire contract. The remote service
// accepts microphone audio at 16 kHz and synthesises replies at 24 kHz. Both
// directions carry 16-bit signed little-endian mono PCM.
const (
	// InputSampleRate is the sample rate of captured microphone audio sent to
	// the remote service.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of synthesised audio received from
	// the remote service.
	OutputSampleRate = 24000

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the microphone,
// encoded for the wire, and decoded for playback.
type Frame struct {
	// PCM audio data: 16-bit signed little-endian, mono.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	return PCM16Duration(len(f.Data), f.SampleRate)
}

// PCM16Duration returns the duration of n bytes of 16-bit mono PCM at the
// given sample rate. Returns zero for a non-positive rate.
func PCM16Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
