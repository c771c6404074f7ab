// Package capture acquires microphone audio and emits it as fixed-size
// encoded frames for the live transport.
//
// A [Pipeline] reads continuous blocks of normalised float32 samples from a
// [Device], converts them to 16-bit signed PCM with clamped scaling, and
// delivers them on a frame channel until stopped. The Device seam keeps the
// pipeline testable without audio hardware; [PortAudioDevice] is the real
// implementation.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leozhu3572/plab/pkg/audio"
)

// ErrUnavailable indicates the microphone could not be acquired (permission
// denied, no device, or hardware failure). Fatal to starting capture; an
// already-open session survives and continues receive-only.
var ErrUnavailable = errors.New("audio capture unavailable")

// DefaultBlockSize is the number of samples per captured block.
const DefaultBlockSize = 4096

// frameBuf is the depth of the emitted frame channel. Capture never blocks
// on a slow consumer for longer than this backlog.
const frameBuf = 8

// Device opens microphone input streams.
type Device interface {
	// Open acquires an input stream delivering mono float32 blocks of
	// blockSize samples at sampleRate. The pipeline classifies any failure
	// as [ErrUnavailable]; implementations return plain errors.
	Open(sampleRate, blockSize int) (Stream, error)
}

// Stream is an open microphone stream.
type Stream interface {
	// Read blocks until one full block of samples is available and returns
	// it. The returned slice is owned by the caller.
	Read() ([]float32, error)

	// Close stops the stream and releases the device resources. Read calls
	// blocked in the driver return with an error.
	Close() error
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize sets the number of samples per emitted frame. The default is
// [DefaultBlockSize].
func WithBlockSize(n int) Option {
	return func(p *Pipeline) { p.blockSize = n }
}

// Pipeline converts a live microphone stream into 16 kHz PCM frames.
//
// The microphone stream is owned exclusively by the pipeline and released
// only by [Pipeline.Stop].
type Pipeline struct {
	dev       Device
	blockSize int

	mu      sync.Mutex
	stream  Stream
	started bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Pipeline reading from dev.
func New(dev Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:       dev,
		blockSize: DefaultBlockSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start acquires the microphone and begins emitting frames on the returned
// channel: one frame per captured block, lazily, until [Pipeline.Stop] or a
// read failure. The channel is closed when capture ends.
//
// If the microphone cannot be acquired the error wraps [ErrUnavailable].
func (p *Pipeline) Start() (<-chan audio.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil, fmt.Errorf("capture: already started")
	}

	stream, err := p.dev.Open(audio.InputSampleRate, p.blockSize)
	if err != nil {
		return nil, fmt.Errorf("capture: %w: open microphone: %w", ErrUnavailable, err)
	}
	p.stream = stream
	p.started = true

	frames := make(chan audio.Frame, frameBuf)
	p.wg.Add(1)
	go p.captureLoop(stream, frames)
	return frames, nil
}

// captureLoop reads blocks until the pipeline is stopped or the stream fails.
// It owns the frames channel and closes it on exit.
func (p *Pipeline) captureLoop(stream Stream, frames chan<- audio.Frame) {
	defer p.wg.Done()
	defer close(frames)

	start := time.Now()
	for {
		select {
		case <-p.done:
			return
		default:
		}

		block, err := stream.Read()
		if err != nil {
			select {
			case <-p.done:
				// Stop closed the stream under us.
			default:
				slog.Warn("capture: microphone read failed, stopping", "err", err)
			}
			return
		}

		frame := audio.Frame{
			Data:       audio.Float32ToPCM16(block),
			SampleRate: audio.InputSampleRate,
			Timestamp:  time.Since(start),
		}

		select {
		case frames <- frame:
		case <-p.done:
			return
		}
	}
}

// Stop halts capture and releases the microphone. Idempotent; safe to call
// before Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.done) })

	var err error
	if stream != nil {
		err = stream.Close()
	}
	p.wg.Wait()

	if err != nil {
		return fmt.Errorf("capture: release microphone: %w", err)
	}
	return nil
}
