// Package apperr defines the error taxonomy shared by every chatvault package.
//
// Each public operation fails with exactly one *Error. Callers classify it with
// errors.Is against the sentinels below, e.g.
//
//	if errors.Is(err, apperr.ErrWrongPasscode) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the top-level class of an error.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindConflict    Kind = "CONFLICT"
	KindReferential Kind = "REFERENTIAL"
	KindNotFound    Kind = "NOT_FOUND"
	KindStorage     Kind = "STORAGE"
	KindCrypto      Kind = "CRYPTO"
	KindTransport   Kind = "TRANSPORT"
)

// Tag refines a Kind where the failure mode matters to the caller.
type Tag string

const (
	// Storage tags
	TagBlocked        Tag = "BLOCKED"
	TagOpen           Tag = "OPEN"
	TagTransaction    Tag = "TRANSACTION"
	TagNotInitialized Tag = "NOT_INITIALIZED"

	// Crypto tags
	TagWrongPasscode Tag = "WRONG_PASSCODE"
	TagCorrupted     Tag = "CORRUPTED"
	TagLocked        Tag = "LOCKED"
	TagUnknown       Tag = "UNKNOWN"
)

// Error is the concrete error type returned by chatvault packages.
type Error struct {
	Kind    Kind   `json:"kind"`
	Tag     Tag    `json:"tag,omitempty"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind, and on Tag when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Tag == "" || t.Tag == e.Tag
}

// Sentinels for errors.Is.
var (
	ErrValidation  = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrConflict    = &Error{Kind: KindConflict, Message: "conflict"}
	ErrReferential = &Error{Kind: KindReferential, Message: "referenced record missing"}
	ErrNotFound    = &Error{Kind: KindNotFound, Message: "not found"}

	ErrStorage        = &Error{Kind: KindStorage, Message: "storage failure"}
	ErrBlocked        = &Error{Kind: KindStorage, Tag: TagBlocked, Message: "store open blocked"}
	ErrOpen           = &Error{Kind: KindStorage, Tag: TagOpen, Message: "store open failed"}
	ErrTransaction    = &Error{Kind: KindStorage, Tag: TagTransaction, Message: "transaction failed"}
	ErrNotInitialized = &Error{Kind: KindStorage, Tag: TagNotInitialized, Message: "store not initialized"}

	ErrCrypto        = &Error{Kind: KindCrypto, Message: "crypto failure"}
	ErrWrongPasscode = &Error{Kind: KindCrypto, Tag: TagWrongPasscode, Message: "incorrect passcode"}
	ErrCorrupted     = &Error{Kind: KindCrypto, Tag: TagCorrupted, Message: "data corrupted"}
	ErrLocked        = &Error{Kind: KindCrypto, Tag: TagLocked, Message: "identity locked"}

	ErrTransport = &Error{Kind: KindTransport, Message: "delivery failed"}
)

// Validation reports a missing or malformed input, detected before any I/O.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports an attempt to create a record that must be unique.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Referential reports a write or read whose parent record does not exist.
func Referential(op, format string, args ...any) error {
	return &Error{Kind: KindReferential, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing record where one is required.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an engine failure.
func Storage(tag Tag, op string, cause error) error {
	return &Error{Kind: KindStorage, Tag: tag, Op: op, Message: storageMessage(tag), Cause: cause}
}

// Crypto wraps a cryptographic failure.
func Crypto(tag Tag, op string, cause error) error {
	return &Error{Kind: KindCrypto, Tag: tag, Op: op, Message: cryptoMessage(tag), Cause: cause}
}

// Transport wraps a failure to hand a message to the transport.
func Transport(op string, cause error) error {
	return &Error{Kind: KindTransport, Op: op, Message: "delivery failed", Cause: cause}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// TagOf returns the Tag of err, or "" if err is not an *Error.
func TagOf(err error) Tag {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag
	}
	return ""
}

func storageMessage(tag Tag) string {
	switch tag {
	case TagBlocked:
		return "store open blocked by another connection"
	case TagOpen:
		return "store open failed"
	case TagTransaction:
		return "transaction failed"
	case TagNotInitialized:
		return "store not initialized"
	default:
		return "storage failure"
	}
}

func cryptoMessage(tag Tag) string {
	switch tag {
	case TagWrongPasscode:
		return "incorrect passcode"
	case TagCorrupted:
		return "data corrupted"
	case TagLocked:
		return "identity locked"
	default:
		return "crypto failure"
	}
}
