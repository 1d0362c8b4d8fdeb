package session

import (
	"encoding/json"

	"github.com/kincall/signal/internal/models"
)

// The negotiation relay forwards SDP and ICE payloads between the two
// participants without reading them. Payloads stay json.RawMessage end to
// end; the target channel is resolved fresh from the presence registry at
// forward time so relaying keeps working across reconnects. Dropped payloads
// are not retried by the server.

type SDPPayload struct {
	SessionID string          `json:"sessionId"`
	SDP       json.RawMessage `json:"sdp"`
}

type ICECandidatePayload struct {
	SessionID string          `json:"sessionId"`
	Candidate json.RawMessage `json:"candidate"`
}

// RelayOffer forwards an SDP offer to the callee. Only the caller may send
// offers; the original direction of negotiation is fixed at initiation.
func (m *Manager) RelayOffer(sessionID, fromID string, sdp json.RawMessage) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if fromID != s.CallerID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	target := s.CalleeID
	m.mu.Unlock()

	m.logger.Debug("relay offer", "session_id", sessionID, "sdp_bytes", len(sdp))
	if !m.notify(target, "rtcOffer", SDPPayload{SessionID: sessionID, SDP: sdp}) {
		return ErrUnreachable
	}
	return nil
}

// RelayAnswer forwards an SDP answer to the caller. Only the callee may send
// answers. The first answer observed on an accepted session marks the moment
// negotiation completed: the session becomes active and answeredAt is set.
func (m *Manager) RelayAnswer(sessionID, fromID string, sdp json.RawMessage) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if fromID != s.CalleeID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	var activated *models.CallSession
	if s.State == models.CallStateAccepted {
		now := m.nowFn()
		s.State = models.CallStateActive
		s.AnsweredAt = &now
		s.UpdatedAt = now
		snapshot := *s
		activated = &snapshot
	}
	target := s.CallerID
	m.mu.Unlock()

	if activated != nil {
		m.recorder.Record(*activated)
		m.logger.Info("call active", "session_id", sessionID)
	}

	m.logger.Debug("relay answer", "session_id", sessionID, "sdp_bytes", len(sdp))
	if !m.notify(target, "rtcAnswer", SDPPayload{SessionID: sessionID, SDP: sdp}) {
		return ErrUnreachable
	}
	return nil
}

// RelayCandidate forwards an ICE candidate to the other participant. Either
// participant may send candidates. This path does no persistence and stays
// synchronous; it is the latency-sensitive part of call setup.
func (m *Manager) RelayCandidate(sessionID, fromID string, candidate json.RawMessage) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !s.HasParticipant(fromID) {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	target := s.Other(fromID)
	m.mu.Unlock()

	if !m.notify(target, "iceCandidate", ICECandidatePayload{SessionID: sessionID, Candidate: candidate}) {
		return ErrUnreachable
	}
	return nil
}

// QualityMetrics is the client's self-reported view of the media connection.
type QualityMetrics struct {
	PacketsLost int     `json:"packetsLost"`
	JitterMs    float64 `json:"jitter"`
}

// Grade maps raw metrics to the quality enum. Thresholds follow the
// production tuning: heavy loss or jitter is poor, clean links are excellent,
// everything else is good. No metrics at all grades as fair.
func (qm *QualityMetrics) Grade() models.ConnectionQuality {
	if qm == nil {
		return models.QualityFair
	}
	if qm.PacketsLost > 50 || qm.JitterMs > 100 {
		return models.QualityPoor
	}
	if qm.PacketsLost < 10 && qm.JitterMs < 30 {
		return models.QualityExcellent
	}
	return models.QualityGood
}

// ReportConnectionState records self-reported quality for a live session.
// Only connection states that mean "media is flowing" are graded. The report
// never drives a protocol transition; failures here are invisible to the
// call itself.
func (m *Manager) ReportConnectionState(sessionID, fromID, state string, metrics *QualityMetrics) error {
	if state != "connected" && state != "completed" {
		return nil
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !s.HasParticipant(fromID) {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	s.Quality = metrics.Grade()
	s.UpdatedAt = m.nowFn()
	snapshot := *s
	m.mu.Unlock()

	m.recorder.Record(snapshot)
	m.logger.Debug("connection quality recorded", "session_id", sessionID, "quality", snapshot.Quality)
	return nil
}
