// Package live defines the Provider interface for bidirectional real-time
// voice backends.
//
// A live provider wraps a streaming conversational AI service that accepts raw
// audio input and returns synthesised audio output in a single, stateful
// session. The central abstraction is Session: an open duplex channel that
// carries model audio, speech-to-text transcripts for both parties, and
// interruption signals, multiplexed onto one ordered event stream.
//
// Sessions are designed to be long-lived (seconds to minutes). All
// implementations must be safe for concurrent use.
package live

import "context"

// EventKind classifies inbound events emitted by a [Session].
type EventKind int

const (
	// EventAudio carries a chunk of synthesised model speech: raw 16-bit
	// little-endian mono PCM at 24 kHz.
	EventAudio EventKind = iota

	// EventTranscript carries an incremental speech-to-text fragment for
	// either party.
	EventTranscript

	// EventInterrupted signals that the user started speaking over the model;
	// all in-flight model audio must be stopped immediately (barge-in).
	EventInterrupted
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "AUDIO"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single inbound server event. Exactly the fields relevant to Kind
// are populated.
type Event struct {
	Kind EventKind

	// Audio is the decoded PCM payload for EventAudio.
	Audio []byte

	// Text is the transcript fragment for EventTranscript.
	Text string

	// IsUser reports whether an EventTranscript fragment is recognised user
	// speech (true) or the text of the model's spoken reply (false).
	IsUser bool
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Voice selects the prebuilt voice the model speaks with.
	Voice string

	// Instructions is the persona instruction: an opaque natural-language
	// system prompt establishing the model's role. It is passed to the
	// service verbatim.
	Instructions string
}

// Session represents an open live session.
//
// The session is the hot path of the voice pipeline — every method must return
// quickly. Inbound traffic is channel-based so that a slow consumer never
// blocks the caller's audio thread. Callers must call Close when the session
// is no longer needed.
type Session interface {
	// SendAudio delivers a chunk of raw 16 kHz PCM microphone audio to the
	// service. Delivery is best-effort: chunks sent before the server has
	// acknowledged session setup, or after the session has closed, are
	// dropped silently. Returns an error only on a write failure of an
	// accepted chunk.
	SendAudio(chunk []byte) error

	// Events returns the ordered inbound event stream. Events are delivered
	// in server emission order. The channel is closed when the session ends
	// for any reason; the closed channel is the terminal close signal and the
	// sole source of truth for connection state. After it closes, call
	// [Session.Err] to check whether the session ended cleanly.
	// Consumers must drain this channel promptly to keep the receive loop
	// from stalling.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly (server close or caller Close). Only meaningful after the
	// Events channel has closed.
	Err() error

	// Close terminates the session and releases the underlying connection.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live voice backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new live session with the given configuration.
	// It blocks until the service has acknowledged the session setup or the
	// attempt fails; failures wrap [ErrConnectFailed]. The caller owns the
	// Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
