// Package protocol classifies inbound frames, validates sender
// authorization, and turns each frame into state updates plus a list of
// outbound effects.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/arbiter"
	"liveclass/internal/auth"
	"liveclass/pkg/types"
)

// Peer is the router's view of the sending connection.
type Peer interface {
	ID() string
	SessionID() string
	UserID() string
	Role() types.Role
	Identity() *auth.Identity
}

// SessionStore is the slice of the registry the router mutates.
type SessionStore interface {
	Get(ctx context.Context, id string) (*types.Session, error)
	Touch(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status types.SessionStatus) error
	UpdateSchedule(ctx context.Context, id string, start, end *time.Time) error
}

// Claimer grants test ownership on a teacher handshake.
type Claimer interface {
	Claim(ctx context.Context, testID, teacherID, sessionID string) error
}

// Directory is the connection-manager surface the router needs: role
// assignment at handshake time and participant listings.
type Directory interface {
	AssignRole(connID, userID, name string, role types.Role) error
	Participants(sessionID string) []types.Participant
}

// AnswerStore records in-progress student responses and flushes them to
// the score collaborator.
type AnswerStore interface {
	Record(sessionID, studentID string, question int, resp types.QuestionResponse)
	Flush(ctx context.Context, sessionID, testID string) error
}

// Router is the protocol state machine. Dispatch is safe for concurrent
// use; all session state lives in the registry, not here.
type Router struct {
	sessions SessionStore
	claims   Claimer
	dir      Directory
	answers  AnswerStore
	limiter  *RateLimiter
	logger   *zap.Logger
}

// NewRouter wires a router over its collaborators.
func NewRouter(sessions SessionStore, claims Claimer, dir Directory, answers AnswerStore, logger *zap.Logger) *Router {
	return &Router{
		sessions: sessions,
		claims:   claims,
		dir:      dir,
		answers:  answers,
		limiter:  NewRateLimiter(),
		logger:   logger,
	}
}

// Dispatch processes one inbound frame from peer and returns the
// outbound effects. Malformed, unauthorized, and unknown frames produce
// no effects and no error: they are logged and dropped so a probing
// client learns nothing and the connection stays open. A returned error
// means a registry failure; the operation failed and was not retried.
func (r *Router) Dispatch(ctx context.Context, peer Peer, data []byte) ([]Effect, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		r.logger.Warn("dropping malformed frame",
			zap.String("conn_id", peer.ID()),
			zap.String("session_id", peer.SessionID()),
			zap.Error(err))
		return nil, nil
	}

	limitKey := peer.UserID()
	if limitKey == "" {
		limitKey = peer.ID()
	}
	if !r.limiter.Allow(limitKey) {
		r.logger.Warn("rate limit exceeded",
			zap.String("user_id", limitKey),
			zap.String("session_id", peer.SessionID()))
		return nil, nil
	}

	msgType := ParseMessageType(frame.Type)
	switch msgType {
	case TypeUserInfo:
		return r.handleUserInfo(ctx, peer, frame.Payload)
	case TypeRequestParticipants:
		return []Effect{r.participantsFor(peer)}, nil
	case TypeHeartbeat:
		if err := r.sessions.Touch(ctx, peer.SessionID()); err != nil {
			return nil, fmt.Errorf("heartbeat touch: %w", err)
		}
		return nil, nil
	case TypeSubmitAnswer:
		return r.handleSubmitAnswer(ctx, peer, frame.Payload)
	case TypeUnknown:
		r.logger.Info("ignoring unknown message type",
			zap.String("type", frame.Type),
			zap.String("session_id", peer.SessionID()))
		return nil, nil
	}

	// Everything left is test control and requires current ownership.
	return r.handleTestControl(ctx, peer, msgType, frame.Payload)
}

// handleUserInfo completes the handshake: the connection gets the role
// and user id the identity collaborator vouched for at upgrade time (the
// payload only contributes a display-name fallback), the participant
// roster is announced, and a teacher triggers an ownership claim.
func (r *Router) handleUserInfo(ctx context.Context, peer Peer, raw json.RawMessage) ([]Effect, error) {
	if peer.Role() != types.RoleUnknown {
		r.logger.Debug("duplicate user_info ignored", zap.String("conn_id", peer.ID()))
		return nil, nil
	}
	ident := peer.Identity()
	if ident == nil {
		r.logger.Warn("user_info on unauthenticated connection", zap.String("conn_id", peer.ID()))
		return nil, nil
	}
	// An identity without a recognized role never becomes a participant:
	// announcing it would broadcast a roster entry Participants never lists.
	if ident.Role == types.RoleUnknown {
		r.logger.Warn("rejecting handshake without a recognized role",
			zap.String("conn_id", peer.ID()),
			zap.String("user_id", ident.ID))
		return nil, nil
	}

	var payload UserInfoPayload
	_ = json.Unmarshal(raw, &payload)
	name := ident.Name
	if name == "" {
		name = payload.Name
	}

	if err := r.dir.AssignRole(peer.ID(), ident.ID, name, ident.Role); err != nil {
		r.logger.Warn("role assignment failed",
			zap.String("conn_id", peer.ID()), zap.Error(err))
		return nil, nil
	}

	effects := []Effect{
		Broadcast{
			SessionID:     peer.SessionID(),
			ExcludeConnID: peer.ID(),
			Frame: Outbound{Type: OutParticipantStatus, Payload: types.Participant{
				ID: ident.ID, Name: name, Role: ident.Role, Status: types.ParticipantConnected,
			}},
		},
		r.participantsFor(peer),
	}

	if !ident.IsTeacher() {
		return effects, nil
	}

	session, err := r.sessions.Get(ctx, peer.SessionID())
	if err != nil {
		return effects, fmt.Errorf("fetch session for claim: %w", err)
	}
	if !session.IsTest() {
		return effects, nil
	}

	if err := r.claims.Claim(ctx, session.TestID, ident.ID, session.ID); err != nil {
		var conflict *arbiter.ConflictError
		if errors.As(err, &conflict) {
			effects = append(effects, Unicast{
				ConnID: peer.ID(),
				Frame: Outbound{Type: OutOwnershipConflict, Payload: ConflictPayload{
					Message: conflict.Error(),
				}},
			})
			return effects, nil
		}
		return effects, fmt.Errorf("teacher claim: %w", err)
	}
	return effects, nil
}

// handleTestControl authorizes and fans out owner-only messages.
// Unauthorized senders are dropped silently: surfacing an error would
// leak ownership state to an impostor.
func (r *Router) handleTestControl(ctx context.Context, peer Peer, msgType MessageType, raw json.RawMessage) ([]Effect, error) {
	session, err := r.sessions.Get(ctx, peer.SessionID())
	if err != nil {
		return nil, fmt.Errorf("fetch session for test control: %w", err)
	}
	if peer.Role() != types.RoleTeacher || peer.UserID() == "" || session.OwnerID != peer.UserID() {
		r.logger.Warn("dropping unauthorized test-control message",
			zap.String("type", string(msgType)),
			zap.String("conn_id", peer.ID()),
			zap.String("user_id", peer.UserID()),
			zap.String("session_id", peer.SessionID()))
		return nil, nil
	}

	broadcast := func(frame Outbound) []Effect {
		return []Effect{Broadcast{SessionID: session.ID, Frame: frame}}
	}

	switch msgType {
	case TypeStartTest:
		var payload StartTestPayload
		_ = json.Unmarshal(raw, &payload)
		start := time.Now().UTC()
		var end *time.Time
		if payload.Remaining > 0 {
			e := start.Add(time.Duration(payload.Remaining) * time.Second)
			end = &e
		}
		if err := r.sessions.UpdateSchedule(ctx, session.ID, &start, end); err != nil {
			return nil, fmt.Errorf("record test start: %w", err)
		}
		return broadcast(Outbound{Type: OutTestStarted, Payload: TestStartedPayload{
			TestID: session.TestID, StartedAt: start, Remaining: payload.Remaining,
		}}), nil

	case TypeEndTest:
		if err := r.sessions.UpdateStatus(ctx, session.ID, types.StatusInactive); err != nil {
			return nil, fmt.Errorf("mark test ended: %w", err)
		}
		// Ending the test opens submission and flushes the collected
		// responses to the score collaborator.
		if err := r.answers.Flush(ctx, session.ID, session.TestID); err != nil {
			r.logger.Error("score flush failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
		return broadcast(Outbound{Type: OutTestEnded, Payload: TestEndedPayload{
			TestID: session.TestID, SubmissionOpen: true,
		}}), nil

	case TypeTimeUpdate:
		var payload TimeUpdatePayload
		_ = json.Unmarshal(raw, &payload)
		if err := r.sessions.Touch(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("touch on time update: %w", err)
		}
		return broadcast(Outbound{Type: OutTimeUpdate, Payload: payload}), nil

	case TypeQuestionFocus:
		var payload QuestionFocusPayload
		_ = json.Unmarshal(raw, &payload)
		if err := r.sessions.Touch(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("touch on question focus: %w", err)
		}
		return broadcast(Outbound{Type: OutFocusQuestion, Payload: payload}), nil

	case TypeTeacherComment:
		var payload TeacherCommentPayload
		_ = json.Unmarshal(raw, &payload)
		if err := r.sessions.Touch(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("touch on teacher comment: %w", err)
		}
		return broadcast(Outbound{Type: OutTeacherComment, Payload: payload}), nil
	}

	return nil, nil
}

// handleSubmitAnswer records a student's response and acknowledges it to
// the sender only; answers never broadcast to other students.
func (r *Router) handleSubmitAnswer(ctx context.Context, peer Peer, raw json.RawMessage) ([]Effect, error) {
	if peer.Role() != types.RoleStudent {
		r.logger.Warn("dropping submit_answer from non-student",
			zap.String("conn_id", peer.ID()),
			zap.String("role", string(peer.Role())))
		return nil, nil
	}
	var payload SubmitAnswerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		r.logger.Warn("dropping malformed submit_answer",
			zap.String("conn_id", peer.ID()), zap.Error(err))
		return nil, nil
	}

	r.answers.Record(peer.SessionID(), peer.UserID(), payload.QuestionID, types.QuestionResponse{
		Answer:  payload.Answer,
		Comment: payload.Comment,
	})
	if err := r.sessions.Touch(ctx, peer.SessionID()); err != nil {
		return nil, fmt.Errorf("touch on answer: %w", err)
	}

	return []Effect{Unicast{
		ConnID: peer.ID(),
		Frame:  Outbound{Type: OutAnswerReceived, Payload: AnswerReceivedPayload{QuestionID: payload.QuestionID}},
	}}, nil
}

// Cleanup drops stale rate-limiter state; the sweeper calls this each
// pass.
func (r *Router) Cleanup() {
	r.limiter.Cleanup()
}

func (r *Router) participantsFor(peer Peer) Effect {
	return Unicast{
		ConnID: peer.ID(),
		Frame: Outbound{Type: OutParticipants, Payload: ParticipantsPayload{
			Participants: r.dir.Participants(peer.SessionID()),
		}},
	}
}
