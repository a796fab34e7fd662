package tiebreak

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	// KindValidation is malformed input. Nothing changed; fix the request.
	KindValidation Kind = "validation"

	// KindConflict means the request does not fit the current state. Nothing
	// changed; Metadata describes the state to resync against.
	KindConflict Kind = "conflict"

	// KindNotFound is an unknown game, tie breaker or participant.
	KindNotFound Kind = "not_found"

	// KindConcurrency is a lost version race. Retry from fresh state.
	KindConcurrency Kind = "concurrency"

	// KindPersistence is a storage failure. No partial write happened and the
	// operation can be retried.
	KindPersistence Kind = "persistence"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeInvalidMove     Code = "INVALID_MOVE"
	CodeInvalidGameType Code = "INVALID_GAME_TYPE"

	// Game session
	CodeNotYourTurn          Code = "NOT_YOUR_TURN"
	CodeGameNotActive        Code = "GAME_NOT_ACTIVE"
	CodeInvalidParticipant   Code = "INVALID_PARTICIPANT"
	CodeDrawAlreadyOffered   Code = "DRAW_ALREADY_OFFERED"
	CodeNoDrawOffer          Code = "NO_DRAW_OFFER"
	CodeCannotAcceptOwnDraw  Code = "CANNOT_ACCEPT_OWN_DRAW"
	CodeGameNotFound         Code = "GAME_NOT_FOUND"
	CodeTieBreakerNotFound   Code = "TIE_BREAKER_NOT_FOUND"
	CodeUnknownParticipant   Code = "UNKNOWN_PARTICIPANT"
	CodeDuplicateParticipant Code = "DUPLICATE_PARTICIPANT"
	CodeDuplicateTieBreaker  Code = "DUPLICATE_TIE_BREAKER"

	// Tie breaker lifecycle
	CodeAlreadyReady             Code = "ALREADY_READY"
	CodeNotAllReady              Code = "NOT_ALL_READY"
	CodeInsufficientParticipants Code = "INSUFFICIENT_PARTICIPANTS"
	CodeTieBreakerNotPending     Code = "TIE_BREAKER_NOT_PENDING"
	CodeActiveTieBreakerExists   Code = "ACTIVE_TIE_BREAKER_EXISTS"

	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeStorage         Code = "STORAGE"
)

// Error is the domain error type. Two errors match with errors.Is when their
// codes are equal, so the sentinels below work as targets.
type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether the same request may succeed when sent again.
func (e *Error) Retryable() bool {
	return e.Kind == KindConcurrency || e.Kind == KindPersistence
}

// New creates an error with a kind, code and message.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithMetadata creates an error carrying state for the caller.
func WithMetadata(kind Kind, code Code, message string, metadata map[string]string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Metadata: metadata}
}

// Wrap creates an error around cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidMove          = New(KindValidation, CodeInvalidMove, "invalid move")
	ErrInvalidGameType      = New(KindValidation, CodeInvalidGameType, "invalid game type")
	ErrNotYourTurn          = New(KindConflict, CodeNotYourTurn, "not your turn")
	ErrGameNotActive        = New(KindConflict, CodeGameNotActive, "game is not active")
	ErrInvalidParticipant   = New(KindConflict, CodeInvalidParticipant, "invalid participant")
	ErrDrawAlreadyOffered   = New(KindConflict, CodeDrawAlreadyOffered, "a draw is already offered")
	ErrNoDrawOffer          = New(KindConflict, CodeNoDrawOffer, "no draw has been offered")
	ErrCannotAcceptOwnDraw  = New(KindConflict, CodeCannotAcceptOwnDraw, "cannot accept your own draw offer")
	ErrGameNotFound         = New(KindNotFound, CodeGameNotFound, "game not found")
	ErrTieBreakerNotFound   = New(KindNotFound, CodeTieBreakerNotFound, "tie breaker not found")
	ErrUnknownParticipant   = New(KindNotFound, CodeUnknownParticipant, "unknown participant")
	ErrDuplicateParticipant = New(KindConflict, CodeDuplicateParticipant, "participant already registered")
	ErrDuplicateTieBreaker  = New(KindConflict, CodeDuplicateTieBreaker, "tie breaker already exists")
	ErrAlreadyReady         = New(KindConflict, CodeAlreadyReady, "participant is already ready")
	ErrNotAllReady          = New(KindConflict, CodeNotAllReady, "not every participant is ready")
	ErrInsufficient         = New(KindConflict, CodeInsufficientParticipants, "fewer than two ready participants")
	ErrTieBreakerNotPending = New(KindConflict, CodeTieBreakerNotPending, "tie breaker is not pending")
	ErrActiveTieBreaker     = New(KindConflict, CodeActiveTieBreakerExists, "another tie breaker is in progress for this period and mode")
	ErrVersionConflict      = New(KindConcurrency, CodeVersionConflict, "record changed concurrently")
	ErrStorage              = New(KindPersistence, CodeStorage, "storage failure")
)

// Conflict builds a conflict error from a sentinel, attaching the current
// state so the caller can resync.
func Conflict(sentinel *Error, state map[string]string) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Metadata: state}
}

// KindOf returns the kind of err, or KindPersistence for errors that are not
// domain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// IsRetryable reports whether err is safe to retry from fresh state.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
