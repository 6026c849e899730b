package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleTeacher, ParseRole("teacher"))
	assert.Equal(t, RoleStudent, ParseRole("student"))
	assert.Equal(t, RoleUnknown, ParseRole("unknown"))
	assert.Equal(t, RoleUnknown, ParseRole(""))
	assert.Equal(t, RoleUnknown, ParseRole("admin"))
	assert.Equal(t, RoleUnknown, ParseRole("Teacher"))
}

func TestIsValidUserID(t *testing.T) {
	assert.True(t, IsValidUserID("teacher_1"))
	assert.True(t, IsValidUserID("a"))
	assert.True(t, IsValidUserID("user-42"))

	assert.False(t, IsValidUserID(""))
	assert.False(t, IsValidUserID("user with spaces"))
	assert.False(t, IsValidUserID("user@school"))

	long := make([]byte, 51)
	for i := range long {
		long[i] = 'x'
	}
	assert.False(t, IsValidUserID(string(long)))
}

func TestSessionValidate(t *testing.T) {
	valid := func() *Session {
		return &Session{
			Name:     "Period 3 Algebra",
			Kind:     KindTest,
			TestID:   "test-77",
			MaxUsers: 30,
		}
	}

	assert.NoError(t, valid().Validate())

	s := valid()
	s.Name = ""
	assert.ErrorIs(t, s.Validate(), ErrInvalidSessionName)

	s = valid()
	s.Kind = "lecture"
	assert.ErrorIs(t, s.Validate(), ErrInvalidKind)

	s = valid()
	s.TestID = ""
	assert.ErrorIs(t, s.Validate(), ErrMissingTestID)

	s = valid()
	s.Kind = KindGeneral
	s.TestID = ""
	assert.NoError(t, s.Validate())

	s = valid()
	s.MaxUsers = 0
	assert.ErrorIs(t, s.Validate(), ErrInvalidCapacity)

	s = valid()
	s.CreatedBy = "not a valid id!"
	assert.ErrorIs(t, s.Validate(), ErrInvalidUserID)
}

func TestSessionHelpers(t *testing.T) {
	s := &Session{Kind: KindTest, OwnerID: "t1"}
	assert.True(t, s.IsTest())
	assert.True(t, s.Owned())

	s = &Session{Kind: KindGeneral}
	assert.False(t, s.IsTest())
	assert.False(t, s.Owned())
}
