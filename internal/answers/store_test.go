package answers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"liveclass/pkg/types"
)

type captureSink struct {
	saved   map[string]map[int]types.QuestionResponse
	failFor map[string]bool
}

func newCaptureSink() *captureSink {
	return &captureSink{
		saved:   make(map[string]map[int]types.QuestionResponse),
		failFor: make(map[string]bool),
	}
}

func (c *captureSink) SaveResponses(_ context.Context, _, studentID string, responses map[int]types.QuestionResponse) error {
	if c.failFor[studentID] {
		return errors.New("score service unavailable")
	}
	c.saved[studentID] = responses
	return nil
}

func TestRecordAndResponses(t *testing.T) {
	store := NewStore(newCaptureSink(), zaptest.NewLogger(t))

	store.Record("session-1", "student_1", 1, types.QuestionResponse{Answer: "42"})
	store.Record("session-1", "student_1", 2, types.QuestionResponse{Answer: "x=3", Comment: "solved by substitution"})
	// Re-recording a question overwrites the earlier answer.
	store.Record("session-1", "student_1", 1, types.QuestionResponse{Answer: "43"})

	got := store.Responses("session-1", "student_1")
	require.Len(t, got, 2)
	assert.Equal(t, "43", got[1].Answer)
	assert.Equal(t, "x=3", got[2].Answer)

	// The returned map is a copy.
	got[1] = types.QuestionResponse{Answer: "mutated"}
	assert.Equal(t, "43", store.Responses("session-1", "student_1")[1].Answer)

	assert.Empty(t, store.Responses("session-1", "student_2"))
	assert.Empty(t, store.Responses("no-such-session", "student_1"))
}

func TestFlushSavesEveryStudentAndClears(t *testing.T) {
	sink := newCaptureSink()
	store := NewStore(sink, zaptest.NewLogger(t))

	store.Record("session-1", "student_1", 1, types.QuestionResponse{Answer: "a"})
	store.Record("session-1", "student_2", 1, types.QuestionResponse{Answer: "b"})
	store.Record("session-2", "student_3", 1, types.QuestionResponse{Answer: "c"})

	require.NoError(t, store.Flush(context.Background(), "session-1", "test-77"))

	assert.Len(t, sink.saved, 2)
	assert.Equal(t, "a", sink.saved["student_1"][1].Answer)
	assert.Equal(t, "b", sink.saved["student_2"][1].Answer)

	// Flushed session state is gone; other sessions are untouched.
	assert.Empty(t, store.Responses("session-1", "student_1"))
	assert.Len(t, store.Responses("session-2", "student_3"), 1)
}

func TestFlushReportsPartialFailure(t *testing.T) {
	sink := newCaptureSink()
	sink.failFor["student_2"] = true
	store := NewStore(sink, zaptest.NewLogger(t))

	store.Record("session-1", "student_1", 1, types.QuestionResponse{Answer: "a"})
	store.Record("session-1", "student_2", 1, types.QuestionResponse{Answer: "b"})

	err := store.Flush(context.Background(), "session-1", "test-77")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")

	// The failing student does not block the others.
	assert.Contains(t, sink.saved, "student_1")
}

func TestFlushEmptySession(t *testing.T) {
	store := NewStore(newCaptureSink(), zaptest.NewLogger(t))
	assert.NoError(t, store.Flush(context.Background(), "never-seen", "test-77"))
}

func TestDropDiscardsWithoutFlushing(t *testing.T) {
	sink := newCaptureSink()
	store := NewStore(sink, zaptest.NewLogger(t))

	store.Record("session-1", "student_1", 1, types.QuestionResponse{Answer: "a"})
	store.Drop("session-1")

	assert.Empty(t, store.Responses("session-1", "student_1"))
	assert.Empty(t, sink.saved)
}
