package live

import "errors"

// Sentinel errors classifying live-session failures. Implementations and the
// session controller wrap these with fmt.Errorf("...: %w", ...) so callers can
// branch with errors.Is.
var (
	// ErrConnectFailed indicates the session handshake failed (network,
	// authentication, or setup rejection). The session never opened.
	ErrConnectFailed = errors.New("live session connect failed")

	// ErrTransport indicates a mid-session network fault. Fatal: the session
	// tears down exactly as on a caller-initiated close.
	ErrTransport = errors.New("live session transport error")
)
