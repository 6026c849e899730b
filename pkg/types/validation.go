package types

import "regexp"

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks that a user ID is sane before it reaches the
// registry or a broadcast payload.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// Validate checks the fields a session must carry before creation.
func (s *Session) Validate() error {
	if len(s.Name) < 1 || len(s.Name) > 200 {
		return ErrInvalidSessionName
	}
	switch s.Kind {
	case KindTest:
		if s.TestID == "" {
			return ErrMissingTestID
		}
	case KindGeneral:
	default:
		return ErrInvalidKind
	}
	if s.CreatedBy != "" && !IsValidUserID(s.CreatedBy) {
		return ErrInvalidUserID
	}
	if s.MaxUsers <= 0 {
		return ErrInvalidCapacity
	}
	return nil
}
