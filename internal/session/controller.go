// Package session orchestrates one live spoken conversation: it connects the
// transport, wires microphone capture into it, dispatches inbound events to
// the playback scheduler and the transcript, and guarantees ordered teardown
// of every acquired resource on close or error.
//
// This package is internal because it encapsulates application-private
// session lifecycle logic and is not intended for import by external code.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/leozhu3572/plab/internal/observe"
	"github.com/leozhu3572/plab/pkg/audio"
	"github.com/leozhu3572/plab/pkg/audio/capture"
	"github.com/leozhu3572/plab/pkg/audio/playback"
	"github.com/leozhu3572/plab/pkg/provider/live"
)

// State is the lifecycle phase of a [Controller].
type State int

const (
	// StateInitializing: no transport exists yet; the persona instruction is
	// still being prepared by the caller.
	StateInitializing State = iota

	// StateConnecting: the transport handshake is in flight.
	StateConnecting

	// StateConnected: the transport is open; capture runs and inbound events
	// are being dispatched.
	StateConnected

	// StateClosed: terminal; teardown has run after a clean close.
	StateClosed

	// StateErrored: terminal; teardown has run after an unrecoverable
	// failure.
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// UpdateKind classifies caller-facing updates.
type UpdateKind int

const (
	// UpdateConnection reports a connection-state change.
	UpdateConnection UpdateKind = iota

	// UpdateTranscript carries one transcript fragment.
	UpdateTranscript
)

// Update is one caller-facing event: either a connection-state change or a
// transcript fragment. Updates are delivered on a single ordered channel so
// a consumer never re-enters the controller from inside a callback.
type Update struct {
	Kind UpdateKind

	// Connected is populated for UpdateConnection.
	Connected bool

	// Fragment is populated for UpdateTranscript.
	Fragment Fragment
}

// updateBuf is the buffer depth of the caller-facing update channel. Larger
// buffers reduce the chance of stalling dispatch when the consumer is slow.
const updateBuf = 64

// Config assembles the collaborators of a [Controller].
type Config struct {
	// Provider opens the live transport session.
	Provider live.Provider

	// CaptureDevice supplies microphone input. When nil, the session runs
	// receive-only from the start.
	CaptureDevice capture.Device

	// CaptureBlockSize overrides the microphone block size in samples. Zero
	// uses the capture package default.
	CaptureBlockSize int

	// Sink is the audio output device fed by the playback scheduler.
	Sink playback.Sink

	// Voice selects the model's speaking voice; empty uses the provider
	// default.
	Voice string

	// Metrics receives session instrumentation. When nil,
	// [observe.DefaultMetrics] is used.
	Metrics *observe.Metrics
}

// Controller owns exactly one live session from connect to teardown. A
// Controller is single-use: after it reaches a terminal state a new one must
// be created for the next session.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	provider live.Provider
	pipeline *capture.Pipeline
	sink     playback.Sink
	sched    *playback.Scheduler
	voice    string
	metrics  *observe.Metrics

	updates    chan Update
	transcript transcript

	mu              sync.Mutex
	state           State
	sess            live.Session
	captureErr      error
	dispatchStarted bool
	tornDown        bool

	done         chan struct{}
	teardownOnce sync.Once

	// wg tracks the dispatch and capture-pump goroutines. The dispatch
	// goroutine closes the updates channel on exit.
	wg sync.WaitGroup
}

// New creates a Controller in [StateInitializing].
func New(cfg Config) *Controller {
	c := &Controller{
		provider: cfg.Provider,
		sink:     cfg.Sink,
		voice:    cfg.Voice,
		metrics:  cfg.Metrics,
		updates:  make(chan Update, updateBuf),
		done:     make(chan struct{}),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if cfg.CaptureDevice != nil {
		var opts []capture.Option
		if cfg.CaptureBlockSize > 0 {
			opts = append(opts, capture.WithBlockSize(cfg.CaptureBlockSize))
		}
		c.pipeline = capture.New(cfg.CaptureDevice, opts...)
	}
	c.sched = playback.New(cfg.Sink)
	return c
}

// Connect establishes the live session with the given persona instruction.
// It blocks until the transport handshake completes or fails. On success the
// capture pipeline is started and inbound events flow until the server
// closes, a transport fault occurs, or [Controller.Disconnect] is called.
//
// A microphone failure does not fail Connect: the session continues
// receive-only and the failure is latched on [Controller.CaptureErr].
func (c *Controller) Connect(ctx context.Context, persona string) error {
	if persona == "" {
		return fmt.Errorf("session: persona instruction must not be empty")
	}

	c.mu.Lock()
	if c.state != StateInitializing {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: connect in state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	begin := time.Now()
	sess, err := c.provider.Connect(ctx, live.SessionConfig{
		Voice:        c.voice,
		Instructions: persona,
	})
	c.metrics.ConnectDuration.Record(ctx, time.Since(begin).Seconds())
	if err != nil {
		c.teardown(err)
		return fmt.Errorf("session: %w", err)
	}

	c.mu.Lock()
	if c.tornDown {
		// Disconnect raced the handshake. Release the fresh transport and
		// report the abort; teardown already closed the updates channel.
		c.mu.Unlock()
		_ = sess.Close()
		return fmt.Errorf("session: connect aborted: controller closed")
	}
	c.sess = sess
	c.state = StateConnected
	c.dispatchStarted = true
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(context.Background(), 1)

	// The open notification precedes every transcript/audio update: it is
	// sent before the dispatch goroutine starts.
	c.updates <- Update{Kind: UpdateConnection, Connected: true}

	// Start capture. Denied or absent microphone leaves the open transport
	// up; the session just cannot send speech.
	if c.pipeline != nil {
		frames, captureErr := c.pipeline.Start()
		if captureErr != nil {
			captureErr = fmt.Errorf("session: %w", captureErr)
			slog.Warn("microphone unavailable, session continues receive-only", "err", captureErr)
			c.mu.Lock()
			c.captureErr = captureErr
			c.mu.Unlock()
		} else {
			c.wg.Add(1)
			go c.pumpCapture(sess, frames)
		}
	}

	c.wg.Add(1)
	go c.dispatch(sess)

	return nil
}

// pumpCapture forwards captured frames to the transport in capture order.
// Sends are best-effort: a frame the transport cannot take is dropped, never
// blocking the capture loop on a dead session.
func (c *Controller) pumpCapture(sess live.Session, frames <-chan audio.Frame) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := sess.SendAudio(frame.Data); err != nil {
				slog.Debug("dropping capture frame", "err", err)
				continue
			}
			c.metrics.AudioFramesSent.Add(context.Background(), 1)
		}
	}
}

// dispatch consumes the inbound event stream until it closes, routing audio
// to the playback scheduler and text to the transcript. The closed stream is
// the sole liveness signal: dispatch then runs teardown and closes the
// updates channel.
func (c *Controller) dispatch(sess live.Session) {
	defer c.wg.Done()

	for ev := range sess.Events() {
		switch ev.Kind {
		case live.EventAudio:
			if err := c.sched.Enqueue(ev.Audio); err != nil {
				// Contained: the chunk is dropped and playback continues.
				c.metrics.DecodeFailures.Add(context.Background(), 1)
				continue
			}
			c.metrics.AudioChunksReceived.Add(context.Background(), 1)

		case live.EventTranscript:
			f := Fragment{Text: ev.Text, IsUser: ev.IsUser}
			c.transcript.append(f)
			speaker := "model"
			if f.IsUser {
				speaker = "user"
			}
			c.metrics.TranscriptFragments.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("speaker", speaker)))
			c.emit(Update{Kind: UpdateTranscript, Fragment: f})

		case live.EventInterrupted:
			// Barge-in: all in-flight model audio stops within this tick.
			c.sched.Flush()
			c.metrics.PlaybackFlushes.Add(context.Background(), 1)
		}
	}

	err := sess.Err()
	if err != nil {
		slog.Error("live session terminated", "err", err)
		c.metrics.SessionErrors.Add(context.Background(), 1)
	}
	c.teardown(err)

	// Best-effort: a consumer that abandoned the stream with a full buffer
	// must not wedge dispatch; the close below is the reliable end signal.
	select {
	case c.updates <- Update{Kind: UpdateConnection, Connected: false}:
	default:
	}
	close(c.updates)
}

// emit delivers a mid-session update unless teardown has begun.
func (c *Controller) emit(u Update) {
	select {
	case c.updates <- u:
	case <-c.done:
	}
}

// Disconnect tears the session down: capture, audio devices, scheduler, and
// transport are released in order, exactly once. Re-entrant calls after the
// controller reaches a terminal state are no-ops.
func (c *Controller) Disconnect() error {
	return c.teardown(nil)
}

// teardown runs the ordered resource release exactly once and moves the
// controller to its terminal state: [StateErrored] when cause is non-nil,
// [StateClosed] otherwise. Every step is attempted even if an earlier one
// fails; the combined failure is returned.
func (c *Controller) teardown(cause error) error {
	var err error
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.tornDown = true
		wasConnected := c.state == StateConnected
		if cause != nil {
			c.state = StateErrored
		} else {
			c.state = StateClosed
		}
		sess := c.sess
		dispatchStarted := c.dispatchStarted
		c.mu.Unlock()

		close(c.done)

		var errs []error

		// (a, b) Stop the microphone stream and release the processing graph.
		if c.pipeline != nil {
			if e := c.pipeline.Stop(); e != nil {
				slog.Warn("teardown: capture stop failed", "err", e)
				errs = append(errs, e)
			}
		}

		// (c) Close the output device.
		if c.sink != nil {
			if e := c.sink.Close(); e != nil {
				slog.Warn("teardown: output close failed", "err", e)
				errs = append(errs, e)
			}
		}

		// (d) Flush the playback scheduler.
		c.sched.Flush()

		// (e) Close the transport.
		if sess != nil {
			if e := sess.Close(); e != nil {
				slog.Warn("teardown: transport close failed", "err", e)
				errs = append(errs, e)
			}
		}

		if wasConnected {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}

		// When no dispatch goroutine ever ran (pre-connect disconnect or a
		// failed handshake) nothing else closes the updates channel.
		if !dispatchStarted {
			close(c.updates)
		}

		err = errors.Join(errs...)
	})
	return err
}

// Updates returns the caller-facing event stream: connection-state changes
// and transcript fragments in delivery order. The channel is closed after
// teardown completes; the close itself is the reliable end-of-session signal.
// Single consumer; drain promptly — an abandoned stream with a full buffer
// loses the final disconnected update (never the close).
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a copy of the fragments accumulated so far, in arrival
// order.
func (c *Controller) Transcript() []Fragment {
	return c.transcript.snapshot()
}

// CaptureErr returns the latched microphone failure, or nil when capture
// started normally. The session itself survives a capture failure.
func (c *Controller) CaptureErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureErr
}

// Wait blocks until the session has fully wound down: dispatch and capture
// goroutines exited and the updates channel closed.
func (c *Controller) Wait() {
	c.wg.Wait()
}
