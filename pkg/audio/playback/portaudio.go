package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/leozhu3572/plab/pkg/audio"
)

// blockFrames is the number of samples written to the device per iteration of
// the output loop (~40 ms at 24 kHz). It bounds how long a Stop can remain
// audible.
const blockFrames = 960

// Compile-time assertion that PortAudioSink satisfies Sink.
var _ Sink = (*PortAudioSink)(nil)

// scheduledBuffer is one Play call: PCM samples pinned to an absolute sample
// position on the output timeline.
type scheduledBuffer struct {
	samples     []int16
	startSample int64
	done        func()
}

// PortAudioSink plays scheduled buffers through the default output device.
// Its clock is the count of samples handed to the device, which advances in
// lockstep with real time because the blocking stream write paces the loop.
//
// The caller must have initialised the PortAudio runtime (portaudio.Initialize)
// before opening a sink.
type PortAudioSink struct {
	sampleRate int
	stream     *portaudio.Stream
	buf        []int16

	mu      sync.Mutex
	sched   map[uint64]*scheduledBuffer
	written int64 // samples handed to the device
	closed  bool
	dead    bool // device write failed; no further playback possible

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPortAudioSink opens the default output device at the given sample rate
// (mono, 16-bit) and starts the output loop.
func NewPortAudioSink(sampleRate int) (*PortAudioSink, error) {
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}

	s := &PortAudioSink{
		sampleRate: sampleRate,
		buf:        make([]int16, blockFrames),
		sched:      make(map[uint64]*scheduledBuffer),
		done:       make(chan struct{}),
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), blockFrames, &s.buf)
	if err != nil {
		return nil, fmt.Errorf("playback: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("playback: start output stream: %w", err)
	}
	s.stream = stream

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Now returns the output clock position.
func (s *PortAudioSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.written) * time.Second / time.Duration(s.sampleRate)
}

// Play registers pcm to start at the given clock position.
func (s *PortAudioSink) Play(id uint64, pcm []byte, start time.Duration, done func()) {
	samples := audio.PCM16ToInt16(pcm)
	startSample := int64(start) * int64(s.sampleRate) / int64(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dead {
		return
	}
	s.sched[id] = &scheduledBuffer{
		samples:     samples,
		startSample: startSample,
		done:        done,
	}
}

// Stop discards the buffer with the given id; any of it not yet handed to the
// device is never played.
func (s *PortAudioSink) Stop(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sched, id)
}

// run fills one device block per iteration from whichever scheduled buffers
// overlap the block's sample window, leaving silence elsewhere. The blocking
// stream write throttles the loop to the device's playback rate.
func (s *PortAudioSink) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		var finished []func()

		s.mu.Lock()
		t0 := s.written
		t1 := t0 + blockFrames
		for i := range s.buf {
			s.buf[i] = 0
		}
		for id, b := range s.sched {
			end := b.startSample + int64(len(b.samples))
			from := max(b.startSample, t0)
			to := min(end, t1)
			for j := from; j < to; j++ {
				s.buf[j-t0] = b.samples[j-b.startSample]
			}
			if end <= t1 {
				delete(s.sched, id)
				if b.done != nil {
					finished = append(finished, b.done)
				}
			}
		}
		s.written = t1
		s.mu.Unlock()

		if err := s.stream.Write(); err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("playback: device write failed, stopping output", "err", err)
			}
			for _, fn := range finished {
				fn()
			}
			s.failPlayback()
			return
		}

		for _, fn := range finished {
			fn()
		}
	}
}

// failPlayback marks the sink dead after a device failure and fires the
// completion callback of every outstanding buffer so scheduler slots do not
// leak. Subsequent Play calls are ignored.
func (s *PortAudioSink) failPlayback() {
	s.mu.Lock()
	s.dead = true
	dones := make([]func(), 0, len(s.sched))
	for id, b := range s.sched {
		delete(s.sched, id)
		if b.done != nil {
			dones = append(dones, b.done)
		}
	}
	s.mu.Unlock()

	for _, fn := range dones {
		fn()
	}
}

// Close stops the output loop and releases the device. Idempotent.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.sched = make(map[uint64]*scheduledBuffer)
	s.mu.Unlock()

	close(s.done)
	err := s.stream.Abort()
	s.wg.Wait()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("playback: close output stream: %w", err)
	}
	return nil
}
