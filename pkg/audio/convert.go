package audio

// Float32ToPCM16 converts normalised float32 samples to 16-bit signed
// little-endian PCM. Each input sample is clamped to [-1, 1] before scaling,
// so out-of-range input saturates instead of wrapping; NaN maps to silence.
// Negative samples scale by 32768 and positive samples by 32767 to use the
// full asymmetric int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s != s { // NaN escapes both clamp branches
			s = 0
		} else if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToInt16 unpacks little-endian 16-bit PCM bytes into int16 samples.
// A trailing odd byte is ignored.
func PCM16ToInt16(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// Int16ToPCM16 packs int16 samples into little-endian 16-bit PCM bytes.
func Int16ToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ValidPCM16 reports whether pcm is a well-formed 16-bit PCM payload:
// non-empty with an even byte count.
func ValidPCM16(pcm []byte) bool {
	return len(pcm) > 0 && len(pcm)%BytesPerSample == 0
}
