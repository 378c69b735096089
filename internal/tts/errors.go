package tts

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindVoiceNotFound     Kind = "voice_not_found"
	KindSpeakerOutOfRange Kind = "speaker_out_of_range"
	KindModelFilesMissing Kind = "model_files_missing"
	KindModelLoadFailed   Kind = "model_load_failed"
	KindSynthesisFailed   Kind = "synthesis_failed"
)

// Error is a synthesis failure. Message is safe to show to API clients.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// wrapError keeps an existing *Error intact so the first classification wins.
func wrapError(kind Kind, op, message string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

// KindOf reports the kind of the first *Error in the chain, or
// KindSynthesisFailed for foreign errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindSynthesisFailed
}

// IsKind checks whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Kind == kind
}

// Detail returns the client-facing message for err.
func Detail(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return fmt.Sprintf("Speech synthesis failed: %v", err)
}
