package arbiter

// ConflictError is the user-facing claim rejection. Its message
// deliberately names nothing beyond the fact of the conflict; the
// competing owner id is for logs and tests, never for clients.
type ConflictError struct {
	Owner string
}

func (e *ConflictError) Error() string {
	return "another teacher is conducting this test"
}
