package session

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/kincall/signal/internal/models"
)

func TestRelayOfferForwardsVerbatim(t *testing.T) {
	env := newTestEnv(t, Options{})

	s, err := env.manager.Initiate("alice", "Alice", "bob", false)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1"}`)
	if err := env.manager.RelayOffer(s.SessionID, "alice", sdp); err != nil {
		t.Fatalf("RelayOffer: %v", err)
	}

	payload := env.callee.last(t, "rtcOffer").(SDPPayload)
	if payload.SessionID != s.SessionID {
		t.Fatalf("sessionID = %s, want %s", payload.SessionID, s.SessionID)
	}
	if !bytes.Equal(payload.SDP, sdp) {
		t.Fatalf("sdp modified in transit: %s", payload.SDP)
	}
}

func TestRelayDirectionAuthorization(t *testing.T) {
	env := newTestEnv(t, Options{})

	s, err := env.manager.Initiate("alice", "Alice", "bob", false)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	sdp := json.RawMessage(`{"type":"offer"}`)
	if err := env.manager.RelayOffer(s.SessionID, "bob", sdp); err != ErrUnauthorized {
		t.Fatalf("offer from callee err = %v, want ErrUnauthorized", err)
	}
	if err := env.manager.RelayAnswer(s.SessionID, "alice", sdp); err != ErrUnauthorized {
		t.Fatalf("answer from caller err = %v, want ErrUnauthorized", err)
	}
	if err := env.manager.RelayCandidate(s.SessionID, "mallory", sdp); err != ErrUnauthorized {
		t.Fatalf("candidate from outsider err = %v, want ErrUnauthorized", err)
	}
	if err := env.manager.RelayOffer("no-such-session", "alice", sdp); err != ErrNotFound {
		t.Fatalf("offer for unknown session err = %v, want ErrNotFound", err)
	}
}

func TestRelayCandidateBothDirections(t *testing.T) {
	env := newTestEnv(t, Options{})

	s, err := env.manager.Initiate("alice", "Alice", "bob", false)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 UDP 2122252543 192.0.2.1 53165 typ host"}`)
	if err := env.manager.RelayCandidate(s.SessionID, "alice", candidate); err != nil {
		t.Fatalf("caller candidate: %v", err)
	}
	if err := env.manager.RelayCandidate(s.SessionID, "bob", candidate); err != nil {
		t.Fatalf("callee candidate: %v", err)
	}

	if got := env.callee.last(t, "iceCandidate").(ICECandidatePayload); !bytes.Equal(got.Candidate, candidate) {
		t.Fatalf("candidate modified: %s", got.Candidate)
	}
	if got := env.caller.last(t, "iceCandidate").(ICECandidatePayload); !bytes.Equal(got.Candidate, candidate) {
		t.Fatalf("candidate modified: %s", got.Candidate)
	}
}

func TestRelayResolvesChannelFresh(t *testing.T) {
	env := newTestEnv(t, Options{})

	s, err := env.manager.Initiate("alice", "Alice", "bob", false)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Callee reconnects mid-ring; later traffic must reach the new channel.
	newCallee := &fakeChannel{id: "ch-bob-2"}
	env.registry.Register("bob", newCallee)

	sdp := json.RawMessage(`{"type":"offer"}`)
	if err := env.manager.RelayOffer(s.SessionID, "alice", sdp); err != nil {
		t.Fatalf("RelayOffer: %v", err)
	}
	if n := newCallee.count("rtcOffer"); n != 1 {
		t.Fatalf("new channel rtcOffer count = %d, want 1", n)
	}
	if n := env.callee.count("rtcOffer"); n != 0 {
		t.Fatalf("stale channel received rtcOffer")
	}
}

func TestRelayToUnreachableTarget(t *testing.T) {
	env := newTestEnv(t, Options{})

	s, err := env.manager.Initiate("alice", "Alice", "bob", false)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	env.registry.Unregister("bob", "ch-bob")

	if err := env.manager.RelayOffer(s.SessionID, "alice", json.RawMessage(`{}`)); err != ErrUnreachable {
		t.Fatalf("offer to vanished callee err = %v, want ErrUnreachable", err)
	}
}

func TestRelayAnswerActivatesSession(t *testing.T) {
	env := newTestEnv(t, Options{})

	s, err := env.manager.Initiate("alice", "Alice", "bob", false)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := env.manager.Accept(s.SessionID, "bob", false); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := env.manager.RelayAnswer(s.SessionID, "bob", json.RawMessage(`{"type":"answer"}`)); err != nil {
		t.Fatalf("RelayAnswer: %v", err)
	}

	rec := env.recorder.lastRecord(t)
	if rec.State != models.CallStateActive {
		t.Fatalf("state = %s, want active", rec.State)
	}
	if rec.AnsweredAt == nil || !rec.AnsweredAt.Equal(env.clock.Now()) {
		t.Fatalf("answeredAt = %v, want %v", rec.AnsweredAt, env.clock.Now())
	}
}

func TestQualityGrade(t *testing.T) {
	tests := []struct {
		name    string
		metrics *QualityMetrics
		want    models.ConnectionQuality
	}{
		{"no metrics", nil, models.QualityFair},
		{"heavy loss", &QualityMetrics{PacketsLost: 80, JitterMs: 10}, models.QualityPoor},
		{"high jitter", &QualityMetrics{PacketsLost: 5, JitterMs: 150}, models.QualityPoor},
		{"clean", &QualityMetrics{PacketsLost: 2, JitterMs: 12}, models.QualityExcellent},
		{"middling", &QualityMetrics{PacketsLost: 20, JitterMs: 50}, models.QualityGood},
		{"boundary loss", &QualityMetrics{PacketsLost: 10, JitterMs: 10}, models.QualityGood},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.metrics.Grade(); got != tt.want {
				t.Fatalf("Grade() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReportConnectionState(t *testing.T) {
	env := newTestEnv(t, Options{})

	s, err := env.manager.Initiate("alice", "Alice", "bob", false)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Transient ICE states carry no quality signal and are dropped.
	if err := env.manager.ReportConnectionState(s.SessionID, "alice", "checking", nil); err != nil {
		t.Fatalf("checking state report: %v", err)
	}

	before := env.recorder.size()
	metrics := &QualityMetrics{PacketsLost: 2, JitterMs: 8}
	if err := env.manager.ReportConnectionState(s.SessionID, "alice", "connected", metrics); err != nil {
		t.Fatalf("connected state report: %v", err)
	}
	if env.recorder.size() != before+1 {
		t.Fatal("connected report did not persist quality")
	}
	if rec := env.recorder.lastRecord(t); rec.Quality != models.QualityExcellent {
		t.Fatalf("quality = %s, want excellent", rec.Quality)
	}

	if err := env.manager.ReportConnectionState(s.SessionID, "mallory", "connected", metrics); err != ErrUnauthorized {
		t.Fatalf("outsider report err = %v, want ErrUnauthorized", err)
	}
}
