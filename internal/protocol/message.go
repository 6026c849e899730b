package protocol

import (
	"encoding/json"
	"time"

	"liveclass/pkg/types"
)

// MessageType is the closed vocabulary of recognized frame types.
// Anything else parses to TypeUnknown and is handled by one
// default-ignore branch, so new client message types degrade gracefully.
type MessageType string

const (
	// Handshake and bookkeeping, any role.
	TypeUserInfo            MessageType = "user_info"
	TypeRequestParticipants MessageType = "request_participants"
	TypeHeartbeat           MessageType = "heartbeat"

	// Test control, current owner only.
	TypeStartTest      MessageType = "start_test"
	TypeEndTest        MessageType = "end_test"
	TypeTimeUpdate     MessageType = "time_update"
	TypeQuestionFocus  MessageType = "question_focus"
	TypeTeacherComment MessageType = "teacher_comment"

	// Student answers.
	TypeSubmitAnswer MessageType = "submit_answer"

	TypeUnknown MessageType = "unknown"
)

// ParseMessageType maps a wire tag to the closed enumeration.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case TypeUserInfo, TypeRequestParticipants, TypeHeartbeat,
		TypeStartTest, TypeEndTest, TypeTimeUpdate,
		TypeQuestionFocus, TypeTeacherComment, TypeSubmitAnswer:
		return MessageType(s)
	default:
		return TypeUnknown
	}
}

// IsTestControl reports whether the type is restricted to the session's
// current owner.
func (t MessageType) IsTestControl() bool {
	switch t {
	case TypeStartTest, TypeEndTest, TypeTimeUpdate, TypeQuestionFocus, TypeTeacherComment:
		return true
	}
	return false
}

// Frame is one discrete inbound text frame: a type tag plus a payload
// whose shape depends on the tag.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeFrame parses a raw text frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Inbound payloads.

type UserInfoPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type StartTestPayload struct {
	TestID    string `json:"test_id"`
	Remaining int    `json:"remaining"` // seconds
}

type EndTestPayload struct {
	TestID string `json:"test_id"`
}

type TimeUpdatePayload struct {
	Remaining int `json:"remaining"` // seconds
}

type QuestionFocusPayload struct {
	Index int `json:"index"`
}

type TeacherCommentPayload struct {
	QuestionID int    `json:"question_id"`
	Comment    string `json:"comment"`
}

type SubmitAnswerPayload struct {
	QuestionID int    `json:"question_id"`
	Answer     string `json:"answer"`
	Comment    string `json:"comment,omitempty"`
}

// Outbound frame types.
const (
	OutParticipants      = "participants"
	OutParticipantStatus = "participant_status"
	OutTestStarted       = "test_started"
	OutTestEnded         = "test_ended"
	OutTimeUpdate        = "time_update"
	OutFocusQuestion     = "focus_question"
	OutTeacherComment    = "teacher_comment"
	OutAnswerReceived    = "answer_received"
	OutOwnershipConflict = "ownership_conflict"
)

// Outbound is a frame on its way to clients.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Outbound payloads.

type ParticipantsPayload struct {
	Participants []types.Participant `json:"participants"`
}

type TestStartedPayload struct {
	TestID    string    `json:"test_id"`
	StartedAt time.Time `json:"started_at"`
	Remaining int       `json:"remaining"` // seconds
}

type TestEndedPayload struct {
	TestID         string `json:"test_id"`
	SubmissionOpen bool   `json:"submission_open"`
}

type AnswerReceivedPayload struct {
	QuestionID int `json:"question_id"`
}

type ConflictPayload struct {
	Message string `json:"message"`
}
