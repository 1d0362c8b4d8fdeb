package session

import "errors"

// Protocol-level errors. These are always surfaced synchronously to the
// channel that issued the event; they never crash the server and never leak
// into another session.
var (
	// ErrNotFound covers both unknown session IDs and sessions that already
	// reached a terminal state. Terminal sessions leave the live set, so from
	// the protocol's point of view the two cases are the same.
	ErrNotFound = errors.New("call session not found")

	// ErrUnauthorized marks an event issued by a non-participant, or by a
	// participant in the wrong role (a caller cannot accept their own call).
	ErrUnauthorized = errors.New("not allowed for this call session")

	// ErrUnreachable means the target user has no live signaling channel.
	// This is an expected outcome, not a failure of the registry.
	ErrUnreachable = errors.New("user is not reachable for signaling")

	// ErrAlreadyInCall rejects initiation while either party has a live
	// session, under the single-active-call policy.
	ErrAlreadyInCall = errors.New("participant already has a live call")

	// ErrInvalidTransition rejects events that target a session in a state
	// that does not admit them (accepting a call that is no longer ringing).
	ErrInvalidTransition = errors.New("call session is not in a compatible state")

	// ErrSelfCall rejects calling yourself at initiation time.
	ErrSelfCall = errors.New("caller and callee are the same user")
)
