// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script the inbound event stream and inspect the audio the
// controller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... connect the controller, then drive the session:
//	sess.Emit(live.Event{Kind: live.EventTranscript, Text: "obj"})
//	sess.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/leozhu3572/plab/pkg/provider/live"
)

// Compile-time assertions that the mocks satisfy the live interfaces.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// fresh default Session.
	Session live.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// connectCalls records every call to Connect in order.
	connectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// ConnectCalls returns a copy of the recorded Connect invocations.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.connectCalls))
	copy(out, p.connectCalls)
	return out
}

// Session is a scripted implementation of live.Session. Tests feed inbound
// events with Emit and terminate the stream with End.
type Session struct {
	events chan live.Event

	mu         sync.Mutex
	sent       [][]byte
	errVal     error
	closeCount int
	ended      bool

	// SendErr, if non-nil, is returned from SendAudio.
	SendErr error
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Emit delivers one inbound event to the session consumer.
func (s *Session) Emit(ev live.Event) {
	s.events <- ev
}

// End latches err and closes the event stream, simulating a server close
// (err == nil) or a transport fault (err != nil). Safe to call once.
func (s *Session) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.errVal = err
	s.mu.Unlock()
	close(s.events)
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.sent = append(s.sent, c)
	return nil
}

// Sent returns a copy of all chunks passed to SendAudio.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err returns the error set by End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and ends the stream if the script has not already.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	alreadyEnded := s.ended
	s.ended = true
	s.mu.Unlock()
	if !alreadyEnded {
		close(s.events)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
