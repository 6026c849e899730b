// Package answers holds each student's in-progress question responses.
// Responses live in memory for the duration of the test and are flushed
// to the score collaborator only at submission; a process restart loses
// unsubmitted edits by design, matching the ephemerality of connections.
package answers

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"liveclass/pkg/types"
)

// ScoreSink is the opaque score-persistence collaborator. The coordinator
// hands over the final response maps and does not interpret the result.
type ScoreSink interface {
	SaveResponses(ctx context.Context, testID, studentID string, responses map[int]types.QuestionResponse) error
}

// Store keeps responses keyed by (session, student, question number).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[string]map[int]types.QuestionResponse
	sink     ScoreSink
	logger   *zap.Logger
}

// NewStore creates an answer store flushing into sink.
func NewStore(sink ScoreSink, logger *zap.Logger) *Store {
	return &Store{
		sessions: make(map[string]map[string]map[int]types.QuestionResponse),
		sink:     sink,
		logger:   logger,
	}
}

// Record creates or overwrites a student's response for one question.
// Entries are created lazily on first edit.
func (s *Store) Record(sessionID, studentID string, question int, resp types.QuestionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	students, ok := s.sessions[sessionID]
	if !ok {
		students = make(map[string]map[int]types.QuestionResponse)
		s.sessions[sessionID] = students
	}
	responses, ok := students[studentID]
	if !ok {
		responses = make(map[int]types.QuestionResponse)
		students[studentID] = responses
	}
	responses[question] = resp
}

// Responses returns a copy of one student's response map.
func (s *Store) Responses(sessionID, studentID string) map[int]types.QuestionResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]types.QuestionResponse)
	for q, resp := range s.sessions[sessionID][studentID] {
		out[q] = resp
	}
	return out
}

// Flush persists every student's responses for the session through the
// sink, then drops the session's in-memory state. Per-student failures
// are logged and do not abort the remaining students.
func (s *Store) Flush(ctx context.Context, sessionID, testID string) error {
	s.mu.Lock()
	students := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	var failed int
	for studentID, responses := range students {
		if err := s.sink.SaveResponses(ctx, testID, studentID, responses); err != nil {
			failed++
			s.logger.Error("saving student responses failed",
				zap.String("session_id", sessionID),
				zap.String("student_id", studentID),
				zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("saving responses failed for %d of %d students", failed, len(students))
	}
	return nil
}

// Drop discards a session's responses without flushing, for sessions
// that expire unsubmitted.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// LogSink is the default ScoreSink used until a real score service is
// wired: it records the submission in the log and succeeds.
type LogSink struct {
	Logger *zap.Logger
}

func (l LogSink) SaveResponses(_ context.Context, testID, studentID string, responses map[int]types.QuestionResponse) error {
	l.Logger.Info("responses submitted",
		zap.String("test_id", testID),
		zap.String("student_id", studentID),
		zap.Int("questions", len(responses)))
	return nil
}
