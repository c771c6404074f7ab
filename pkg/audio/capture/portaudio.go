package capture

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Compile-time assertions that the PortAudio types satisfy the capture seams.
var (
	_ Device = PortAudioDevice{}
	_ Stream = (*portAudioStream)(nil)
)

// PortAudioDevice opens the default system microphone via PortAudio.
//
// The caller must have initialised the PortAudio runtime
// (portaudio.Initialize) before opening a stream.
type PortAudioDevice struct{}

// Open acquires the default input device as a mono float32 stream.
func (PortAudioDevice) Open(sampleRate, blockSize int) (Stream, error) {
	buf := make([]float32, blockSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), blockSize, &buf)
	if err != nil {
		return nil, fmt.Errorf("open default input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &portAudioStream{stream: stream, buf: buf}, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []float32
}

// Read blocks until the driver fills one block and returns a copy of it.
func (s *portAudioStream) Read() ([]float32, error) {
	if err := s.stream.Read(); err != nil {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

// Close aborts and releases the input stream.
func (s *portAudioStream) Close() error {
	err := s.stream.Abort()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	return err
}
