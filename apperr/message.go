package apperr

import "errors"

// UserMessage maps an error to a sentence that is safe to show to the user.
// A mistyped passcode must never read like data loss.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWrongPasscode):
		return "The passcode is incorrect. Please try again."
	case errors.Is(err, ErrCorrupted):
		return "Your encrypted data could not be read. It may be damaged."
	case errors.Is(err, ErrLocked):
		return "Enter your passcode to unlock your messages."
	case errors.Is(err, ErrBlocked):
		return "Storage is in use by another window. Close it and try again."
	case errors.Is(err, ErrConflict):
		return "An identity already exists for this account."
	case errors.Is(err, ErrReferential):
		return "This conversation is no longer available."
	case errors.Is(err, ErrValidation):
		return "Some required information is missing."
	case errors.Is(err, ErrTransport):
		return "Your message could not be sent. Check your connection and try again."
	case errors.Is(err, ErrNotFound):
		return "The requested item was not found."
	default:
		return "Something went wrong. Please try again."
	}
}
