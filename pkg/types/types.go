package types

import (
	"time"
)

// Role identifies what a connected user is allowed to do in a session.
// A connection starts as RoleUnknown and is promoted exactly once, when
// the user_info handshake arrives.
type Role string

const (
	RoleUnknown Role = "unknown"
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// ParseRole maps a wire string to a Role. Anything unrecognized stays
// RoleUnknown so a bad handshake never grants privileges.
func ParseRole(s string) Role {
	switch s {
	case string(RoleStudent):
		return RoleStudent
	case string(RoleTeacher):
		return RoleTeacher
	default:
		return RoleUnknown
	}
}

// SessionKind distinguishes live-assessment rooms from plain chat rooms.
type SessionKind string

const (
	KindTest    SessionKind = "test"
	KindGeneral SessionKind = "general"
)

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusInactive SessionStatus = "inactive"
	StatusExpired  SessionStatus = "expired"
)

// Session is one row in the session registry. The registry is the single
// source of truth for ownership and status; connection state is never
// persisted here.
type Session struct {
	ID             string        `json:"id" db:"id"`
	Name           string        `json:"name" db:"name"`
	Kind           SessionKind   `json:"kind" db:"kind"`
	TestID         string        `json:"test_id,omitempty" db:"test_id"`
	CreatedBy      string        `json:"created_by,omitempty" db:"created_by"`
	OwnerID        string        `json:"owner_id,omitempty" db:"owner_id"`
	Status         SessionStatus `json:"status" db:"status"`
	MaxUsers       int           `json:"max_users" db:"max_users"`
	CurrentUsers   int           `json:"current_users" db:"current_users"`
	Private        bool          `json:"private" db:"private"`
	PasswordNeeded bool          `json:"password_needed" db:"password_needed"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	LastActive     time.Time     `json:"last_active" db:"last_active"`
	ScheduledStart *time.Time    `json:"scheduled_start,omitempty" db:"scheduled_start"`
	ScheduledEnd   *time.Time    `json:"scheduled_end,omitempty" db:"scheduled_end"`
}

// Owned reports whether a teacher currently holds the session.
func (s *Session) Owned() bool {
	return s.OwnerID != ""
}

// IsTest reports whether the session drives a live assessment.
func (s *Session) IsTest() bool {
	return s.Kind == KindTest
}

// ParticipantStatus is the connection state announced in join/leave
// broadcasts.
type ParticipantStatus string

const (
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Participant is the public view of one connected user, as sent to
// clients in participant lists and join/leave notifications.
type Participant struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Role   Role              `json:"role"`
	Status ParticipantStatus `json:"status"`
}

// QuestionResponse is a student's in-progress answer to one question.
// It lives in memory for the duration of the test and is flushed to the
// score collaborator only at submission.
type QuestionResponse struct {
	Answer  string `json:"answer"`
	Comment string `json:"comment,omitempty"`
}
