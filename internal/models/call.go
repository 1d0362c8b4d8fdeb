package models

import (
	"time"

	"gorm.io/gorm"
)

// CallState is the lifecycle state of a call session.
// Keep values stable because they are part of the public API and stored in the database.
type CallState string

const (
	CallStateRinging  CallState = "ringing"
	CallStateAccepted CallState = "accepted"
	CallStateActive   CallState = "active"
	CallStateEnded    CallState = "ended"
	CallStateMissed   CallState = "missed"
	CallStateRejected CallState = "rejected"
)

// Terminal reports whether no further transitions are possible from s.
func (s CallState) Terminal() bool {
	switch s {
	case CallStateEnded, CallStateMissed, CallStateRejected:
		return true
	default:
		return false
	}
}

// ConnectionQuality is self-reported by clients after negotiation completes.
// It never gates protocol progress.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// CallSession is the authoritative record of one call. Live sessions are held
// in memory by the session manager; the same struct is the durable row kept
// for history until the retention sweeper deletes it.
type CallSession struct {
	SessionID       string            `gorm:"type:varchar(36);primaryKey" json:"session_id"`
	CallerID        string            `gorm:"type:varchar(36);not null;index" json:"caller_id"`
	CalleeID        string            `gorm:"type:varchar(36);not null;index" json:"callee_id"`
	State           CallState         `gorm:"type:varchar(16);not null" json:"state"`
	HasVideo        bool              `json:"has_video"`
	DataConsent     bool              `json:"data_consent"`
	Quality         ConnectionQuality `gorm:"type:varchar(16)" json:"connection_quality,omitempty"`
	CreatedAt       time.Time         `gorm:"index" json:"created_at"`
	AnsweredAt      *time.Time        `json:"answered_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HasParticipant reports whether userID is the caller or the callee.
func (s *CallSession) HasParticipant(userID string) bool {
	return userID == s.CallerID || userID == s.CalleeID
}

// Other returns the participant opposite to userID. The caller must have
// verified participation first.
func (s *CallSession) Other(userID string) string {
	if userID == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// ComputeDuration derives DurationSeconds from answered/ended timestamps.
// Sessions that never reached the active state keep a nil duration.
func (s *CallSession) ComputeDuration() {
	if s.AnsweredAt == nil || s.EndedAt == nil {
		return
	}
	d := int(s.EndedAt.Sub(*s.AnsweredAt).Round(time.Second) / time.Second)
	if d < 0 {
		d = 0
	}
	s.DurationSeconds = &d
}

func (s *CallSession) BeforeSave(tx *gorm.DB) error {
	s.ComputeDuration()
	return nil
}
