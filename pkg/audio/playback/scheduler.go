// Package playback schedules inbound model audio for gapless output.
//
// The central type is [Scheduler]: chunks of 24 kHz PCM are enqueued as they
// arrive from the transport and assigned absolute start positions on the
// output clock so that each chunk begins exactly when the previous one ends.
// In-flight chunks are tracked in a registry keyed by a monotonically
// increasing buffer id, which makes barge-in ([Scheduler.Flush]) a plain
// "stop everything and clear" operation.
//
// The [Sink] interface decouples scheduling from the physical output device;
// a PortAudio implementation is provided by [NewPortAudioSink] and tests use
// a fake clock.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leozhu3572/plab/pkg/audio"
)

// ErrDecodeFailed indicates an inbound audio chunk was malformed. The chunk
// is dropped and scheduling state is untouched; the session continues.
var ErrDecodeFailed = errors.New("audio chunk decode failed")

// Sink is an output device that plays PCM buffers at absolute positions on
// its own clock. Implementations must be safe for concurrent use.
type Sink interface {
	// Now returns the current position of the output clock, monotonically
	// non-decreasing from the moment the sink was opened.
	Now() time.Duration

	// Play schedules pcm (16-bit little-endian mono) to start at the given
	// clock position. done is invoked exactly once when playback completes
	// naturally; it is not invoked for buffers removed by Stop.
	Play(id uint64, pcm []byte, start time.Duration, done func())

	// Stop immediately silences and discards the buffer with the given id.
	// Unknown ids are ignored.
	Stop(id uint64)

	// Close releases the output device. Play and Stop become no-ops.
	Close() error
}

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithSampleRate overrides the sample rate used to compute chunk durations.
// The default is [audio.OutputSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) { s.sampleRate = rate }
}

// Scheduler owns the gapless-playback state: the next start position and the
// registry of in-flight buffers. Both are mutated only via Enqueue, Flush,
// and buffer completion.
type Scheduler struct {
	sink       Sink
	sampleRate int

	mu      sync.Mutex
	next    time.Duration
	active  map[uint64]struct{}
	seq     uint64
	dropped uint64
}

// New creates a Scheduler feeding the given sink.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:       sink,
		sampleRate: audio.OutputSampleRate,
		active:     make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates chunk and schedules it for gapless playback: the start
// position is the later of the next free position and the current output
// clock, so chunks arriving faster than they play queue back to back while a
// late chunk never schedules in the past.
//
// A malformed chunk (empty or odd byte count) is counted, dropped, and
// reported as an error wrapping [ErrDecodeFailed]; it does not disturb
// scheduling state.
func (s *Scheduler) Enqueue(chunk []byte) error {
	if !audio.ValidPCM16(chunk) {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		slog.Warn("playback: dropping malformed audio chunk", "bytes", len(chunk))
		return fmt.Errorf("playback: %w: %d bytes", ErrDecodeFailed, len(chunk))
	}

	dur := audio.PCM16Duration(len(chunk), s.sampleRate)

	s.mu.Lock()
	start := s.next
	if now := s.sink.Now(); now > start {
		start = now
	}
	id := s.seq
	s.seq++
	s.active[id] = struct{}{}
	s.next = start + dur
	s.mu.Unlock()

	s.sink.Play(id, chunk, start, func() { s.complete(id) })
	return nil
}

// complete removes a naturally finished buffer from the registry.
func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Flush implements the barge-in contract: every in-flight buffer is stopped
// immediately, the registry is cleared, and the next start position resets to
// zero so the next enqueued chunk starts at the current clock position rather
// than stacking behind stale scheduling.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.active = make(map[uint64]struct{})
	s.next = 0
	s.mu.Unlock()

	for _, id := range ids {
		s.sink.Stop(id)
	}
}

// Active returns the number of scheduled, not-yet-finished buffers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the clock position the next enqueued chunk would not
// start before.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Dropped returns the number of malformed chunks discarded so far.
func (s *Scheduler) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
