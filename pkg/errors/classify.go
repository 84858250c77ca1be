package errors

import "strings"

// maxRawLength caps how much of an unknown backend error is worth inspecting.
// Anything longer is almost certainly a stack trace or driver dump.
const maxRawLength = 500

// Classify translates a raw backend/driver error string into a user-facing
// message. Matching is best effort: it checks for well-known substrings and
// falls back to a generic message for unrecognised or overly long errors.
func Classify(raw string) *Error {
	if raw == "" {
		return nil
	}
	lowered := strings.ToLower(raw)
	if len(lowered) > maxRawLength {
		return Clone(ErrInternal, "something went wrong, please try again")
	}

	switch {
	case containsAny(lowered, "duplicate key", "unique constraint", "already exists"):
		return Clone(ErrConflict, "a record with these details already exists")
	case containsAny(lowered, "foreign key", "violates foreign key constraint", "referenced"):
		return Clone(ErrConflict, "this record is referenced by other data and cannot be changed")
	case containsAny(lowered, "connection refused", "no such host", "i/o timeout", "context deadline exceeded", "timeout"):
		return Clone(ErrInternal, "the service is temporarily unreachable, please retry")
	case containsAny(lowered, "unauthorized", "invalid token", "token expired", "permission denied"):
		return Clone(ErrUnauthorized, "your session has expired, please sign in again")
	case containsAny(lowered, "not null constraint", "invalid input syntax", "check constraint"):
		return Clone(ErrValidation, "the submitted data is invalid")
	default:
		return Clone(ErrInternal, "something went wrong, please try again")
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
