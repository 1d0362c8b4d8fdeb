// Package session owns the call lifecycle: it is the single writer of call
// state, the keeper of the live session set, and the relay for negotiation
// payloads. Every transition goes through the Manager's lock, so at most one
// terminal transition can ever apply to a session; late events see the
// session gone from the live set and fail with ErrNotFound.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kincall/signal/internal/models"
	"github.com/kincall/signal/internal/presence"
)

// Recorder receives durable-write requests for call records. Implementations
// must not block the caller: persistence failures are the recorder's problem
// (log, retry, flag for audit) and never hold up a state transition.
type Recorder interface {
	Record(s models.CallSession)
}

// PushNotifier delivers out-of-band notifications so a backgrounded client
// still rings. All methods are best effort and called on their own goroutine.
type PushNotifier interface {
	IncomingCall(calleeID, callerName string, hasVideo bool)
	MissedCall(callerID, calleeID string)
}

// EndReason values reported in callEnded notifications.
const (
	EndReasonHangup           = "hangup"
	EndReasonPeerDisconnected = "peer-disconnected"
)

type Options struct {
	// RingTimeout is how long a session may stay ringing before the watchdog
	// forces the missed transition.
	RingTimeout time.Duration

	// AllowConcurrentCalls disables the single-active-call policy. Off by
	// default; the reference deployment keeps one live call per user.
	AllowConcurrentCalls bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

const defaultRingTimeout = 30 * time.Second

type Manager struct {
	presence *presence.Registry
	recorder Recorder
	pusher   PushNotifier
	logger   *slog.Logger

	ringTimeout     time.Duration
	allowConcurrent bool
	nowFn           func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.CallSession // live sessions only
	byUser   map[string]string              // userID -> live sessionID
	timers   map[string]*time.Timer         // sessionID -> ring watchdog
}

// NewManager builds a manager with its own empty live set. pusher may be nil.
func NewManager(reg *presence.Registry, rec Recorder, pusher PushNotifier, logger *slog.Logger, opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		presence:        reg,
		recorder:        rec,
		pusher:          pusher,
		logger:          logger,
		ringTimeout:     opts.RingTimeout,
		allowConcurrent: opts.AllowConcurrentCalls,
		nowFn:           opts.Now,
		sessions:        make(map[string]*models.CallSession),
		byUser:          make(map[string]string),
		timers:          make(map[string]*time.Timer),
	}
}

// Payloads delivered over the signaling channel.

type IncomingCallPayload struct {
	SessionID  string `json:"sessionId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	HasVideo   bool   `json:"hasVideo"`
}

type CallAcceptedPayload struct {
	SessionID   string `json:"sessionId"`
	DataConsent bool   `json:"dataConsent"`
}

type CallRejectedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type CallMissedPayload struct {
	SessionID string `json:"sessionId"`
}

type CallEndedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Initiate creates a ringing session after the fail-fast checks: the callee
// must be reachable and, under the default policy, neither party may already
// be in a live call. The user index is reserved under the same lock that
// creates the record, so two near-simultaneous initiations cannot both pass
// the policy check.
func (m *Manager) Initiate(callerID, callerName, calleeID string, hasVideo bool) (*models.CallSession, error) {
	if callerID == calleeID {
		return nil, ErrSelfCall
	}
	if _, ok := m.presence.Lookup(calleeID); !ok {
		return nil, ErrUnreachable
	}

	now := m.nowFn()
	s := &models.CallSession{
		SessionID: uuid.New().String(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		State:     models.CallStateRinging,
		HasVideo:  hasVideo,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	if !m.allowConcurrent {
		if _, busy := m.byUser[callerID]; busy {
			m.mu.Unlock()
			return nil, ErrAlreadyInCall
		}
		if _, busy := m.byUser[calleeID]; busy {
			m.mu.Unlock()
			return nil, ErrAlreadyInCall
		}
	}
	m.sessions[s.SessionID] = s
	m.byUser[callerID] = s.SessionID
	m.byUser[calleeID] = s.SessionID
	sessionID := s.SessionID
	m.timers[sessionID] = time.AfterFunc(m.ringTimeout, func() {
		m.expire(sessionID)
	})
	snapshot := *s
	m.mu.Unlock()

	m.recorder.Record(snapshot)
	m.logger.Info("call initiated",
		"session_id", s.SessionID, "caller_id", callerID, "callee_id", calleeID, "has_video", hasVideo)

	if !m.notify(calleeID, "incomingCall", IncomingCallPayload{
		SessionID:  s.SessionID,
		CallerID:   callerID,
		CallerName: callerName,
		HasVideo:   hasVideo,
	}) {
		// The callee was reachable a moment ago; a full send buffer or a
		// racing disconnect is handled like any mid-ring loss: the watchdog
		// will miss the call.
		m.logger.Warn("incoming call notification not delivered", "session_id", s.SessionID, "callee_id", calleeID)
	}

	if m.pusher != nil {
		go m.pusher.IncomingCall(calleeID, callerName, hasVideo)
	}

	return &snapshot, nil
}

// Accept moves a ringing session to accepted. Only the callee may accept.
func (m *Manager) Accept(sessionID, userID string, dataConsent bool) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if userID != s.CalleeID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	if s.State != models.CallStateRinging {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	s.State = models.CallStateAccepted
	s.DataConsent = dataConsent
	s.UpdatedAt = m.nowFn()
	m.disarmWatchdogLocked(sessionID)
	snapshot := *s
	m.mu.Unlock()

	m.recorder.Record(snapshot)
	m.logger.Info("call accepted", "session_id", sessionID, "callee_id", userID)

	m.notify(snapshot.CallerID, "callAccepted", CallAcceptedPayload{
		SessionID:   sessionID,
		DataConsent: dataConsent,
	})
	return nil
}

// Reject finalizes a ringing session as rejected. Only the callee may reject.
func (m *Manager) Reject(sessionID, userID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if userID != s.CalleeID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	if s.State != models.CallStateRinging {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	now := m.nowFn()
	s.State = models.CallStateRejected
	s.EndedAt = &now
	s.UpdatedAt = now
	m.removeLiveLocked(s)
	snapshot := *s
	m.mu.Unlock()

	m.recorder.Record(snapshot)
	m.logger.Info("call rejected", "session_id", sessionID, "callee_id", userID, "reason", reason)

	m.notify(snapshot.CallerID, "callRejected", CallRejectedPayload{SessionID: sessionID, Reason: reason})
	return nil
}

// End finalizes a live session as ended. Either participant may end; ending
// while still ringing is how a caller cancels before the callee answers.
func (m *Manager) End(sessionID, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !s.HasParticipant(userID) {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	m.finalizeEndedLocked(s)
	snapshot := *s
	m.mu.Unlock()

	m.recorder.Record(snapshot)
	m.logger.Info("call ended", "session_id", sessionID, "by_user_id", userID, "state_before_end", "live")

	ended := CallEndedPayload{SessionID: sessionID, Reason: EndReasonHangup}
	m.notify(snapshot.Other(userID), "callEnded", ended)
	m.notify(userID, "callEnded", ended)
	return nil
}

// HandleDisconnect force-terminates every live session the user participates
// in. Transport code calls this after the presence entry is gone, so no new
// relay traffic can target the vanished channel. The survivor gets exactly
// one callEnded per affected session, best effort.
func (m *Manager) HandleDisconnect(userID string) {
	m.mu.Lock()
	var affected []models.CallSession
	for _, s := range m.sessions {
		if !s.HasParticipant(userID) {
			continue
		}
		m.finalizeEndedLocked(s)
		affected = append(affected, *s)
	}
	m.mu.Unlock()

	for _, snapshot := range affected {
		m.recorder.Record(snapshot)
		m.logger.Info("call ended by disconnect", "session_id", snapshot.SessionID, "lost_user_id", userID)
		m.notify(snapshot.Other(userID), "callEnded", CallEndedPayload{
			SessionID: snapshot.SessionID,
			Reason:    EndReasonPeerDisconnected,
		})
	}
}

// ActiveCount returns the number of live sessions, for the status endpoint.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// expire is the ring watchdog body. It re-checks the state under the lock:
// if an accept, reject, end, or disconnect won the race the session is either
// gone from the live set or no longer ringing, and the watchdog does nothing.
func (m *Manager) expire(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.State != models.CallStateRinging {
		m.mu.Unlock()
		return
	}
	now := m.nowFn()
	s.State = models.CallStateMissed
	s.EndedAt = &now
	s.UpdatedAt = now
	m.removeLiveLocked(s)
	snapshot := *s
	m.mu.Unlock()

	m.recorder.Record(snapshot)
	m.logger.Info("call missed", "session_id", sessionID, "caller_id", snapshot.CallerID)

	m.notify(snapshot.CallerID, "callMissed", CallMissedPayload{SessionID: sessionID})
	if m.pusher != nil {
		go m.pusher.MissedCall(snapshot.CallerID, snapshot.CalleeID)
	}
}

// finalizeEndedLocked applies the ended transition to a live session:
// timestamps, duration, watchdog disarm, and removal from the live set.
func (m *Manager) finalizeEndedLocked(s *models.CallSession) {
	now := m.nowFn()
	s.State = models.CallStateEnded
	s.EndedAt = &now
	s.UpdatedAt = now
	s.ComputeDuration()
	m.removeLiveLocked(s)
}

func (m *Manager) removeLiveLocked(s *models.CallSession) {
	m.disarmWatchdogLocked(s.SessionID)
	delete(m.sessions, s.SessionID)
	if m.byUser[s.CallerID] == s.SessionID {
		delete(m.byUser, s.CallerID)
	}
	if m.byUser[s.CalleeID] == s.SessionID {
		delete(m.byUser, s.CalleeID)
	}
}

func (m *Manager) disarmWatchdogLocked(sessionID string) {
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// notify resolves the user's channel fresh from the registry and queues the
// event. False means the user is unreachable or their send buffer is full.
func (m *Manager) notify(userID, event string, data any) bool {
	ch, ok := m.presence.Lookup(userID)
	if !ok {
		return false
	}
	return ch.Send(event, data)
}
