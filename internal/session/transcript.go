package session

import "sync"

// Fragment is one incremental piece of speech-to-text output for either
// party, immutable once produced.
type Fragment struct {
	// Text is the recognised text fragment, exactly as the service emitted it.
	Text string

	// IsUser reports whether the fragment is recognised user speech (true)
	// or the text of the model's spoken reply (false).
	IsUser bool
}

// transcript accumulates fragments from both directions into an append-only,
// arrival-ordered sequence. Adjacent same-speaker fragments are deliberately
// not merged; callers wanting merged utterances reconstruct them from the
// ordered sequence.
type transcript struct {
	mu        sync.Mutex
	fragments []Fragment
}

// append records one fragment.
func (t *transcript) append(f Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fragments = append(t.fragments, f)
}

// snapshot returns a copy of the fragment sequence so far.
func (t *transcript) snapshot() []Fragment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Fragment, len(t.fragments))
	copy(out, t.fragments)
	return out
}
