package tts

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a speech playback failure.
type Code int

const (
	// CodeUnknown is for failures that fit no other code.
	CodeUnknown Code = iota
	// CodeEngineNotAvailable indicates the speech engine cannot be used.
	CodeEngineNotAvailable
	// CodeVoiceNotFound indicates no matching voice exists.
	CodeVoiceNotFound
	// CodeLanguageNotSupported indicates the engine has no voice for the language.
	CodeLanguageNotSupported
	// CodeAudioPlayback indicates the synthesized audio could not be played.
	CodeAudioPlayback
	// CodeNetwork indicates a network failure while reaching the engine.
	CodeNetwork
	// CodePermissionDenied indicates the platform refused audio or engine access.
	CodePermissionDenied
	// CodeInvalidConfig indicates rejected playback parameters.
	CodeInvalidConfig
	// CodeCache indicates a synthesis cache failure.
	CodeCache
	// CodeQueueFull indicates the speech queue rejected an enqueue.
	CodeQueueFull
)

// String returns the string representation of the code.
func (c Code) String() string {
	switch c {
	case CodeEngineNotAvailable:
		return "engine_not_available"
	case CodeVoiceNotFound:
		return "voice_not_found"
	case CodeLanguageNotSupported:
		return "language_not_supported"
	case CodeAudioPlayback:
		return "audio_playback_error"
	case CodeNetwork:
		return "network_error"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeInvalidConfig:
		return "invalid_config"
	case CodeCache:
		return "cache_error"
	case CodeQueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// Recoverable reports whether failures of this code are worth retrying.
func (c Code) Recoverable() bool {
	switch c {
	case CodeNetwork, CodeAudioPlayback, CodeCache:
		return true
	}
	return false
}

// Sentinel errors, one per code, for errors.Is matching.
var (
	ErrEngineNotAvailable   = errors.New("speech engine is not available")
	ErrVoiceNotFound        = errors.New("requested voice not found")
	ErrLanguageNotSupported = errors.New("language is not supported")
	ErrAudioPlayback        = errors.New("audio playback failed")
	ErrNetwork              = errors.New("network request failed")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInvalidConfig        = errors.New("invalid playback configuration")
	ErrCache                = errors.New("synthesis cache failure")
	ErrQueueFull            = errors.New("speech queue is full")
	ErrUnknown              = errors.New("unknown speech failure")
)

// sentinel returns the sentinel error for the code.
func (c Code) sentinel() error {
	switch c {
	case CodeEngineNotAvailable:
		return ErrEngineNotAvailable
	case CodeVoiceNotFound:
		return ErrVoiceNotFound
	case CodeLanguageNotSupported:
		return ErrLanguageNotSupported
	case CodeAudioPlayback:
		return ErrAudioPlayback
	case CodeNetwork:
		return ErrNetwork
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeInvalidConfig:
		return ErrInvalidConfig
	case CodeCache:
		return ErrCache
	case CodeQueueFull:
		return ErrQueueFull
	default:
		return ErrUnknown
	}
}

// Error is the typed failure delivered to error listeners and carried in
// terminal playback states.
type Error struct {
	Code        Code
	Message     string
	BackendCode string // engine-specific failure code, if any
	Timestamp   time.Time
	Recoverable bool
	Err         error // wrapped cause
}

// NewError creates a typed error with the default recoverability for the code.
func NewError(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Timestamp:   time.Now(),
		Recoverable: code.Recoverable(),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.sentinel().Error()
	}
	if e.BackendCode != "" {
		return fmt.Sprintf("%s: %s (backend %s)", e.Code, msg, e.BackendCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for the code, so
// errors.Is(err, ErrNetwork) works on wrapped errors.
func (e *Error) Is(target error) bool {
	return target == e.Code.sentinel()
}

// WithBackendCode attaches an engine-specific failure code.
func (e *Error) WithBackendCode(code string) *Error {
	e.BackendCode = code
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// WithRecoverable overrides the default recoverability for the code.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// AsError extracts a typed *Error from err, if one is present in its chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// Wrap converts an arbitrary error into a typed *Error. Typed errors pass
// through unchanged; anything else becomes the given code with err as cause.
func Wrap(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	if perr, ok := AsError(err); ok {
		return perr
	}
	return NewError(code, err.Error()).WithCause(err)
}

// IsRecoverable reports whether err is worth retrying.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if perr, ok := AsError(err); ok {
		return perr.Recoverable
	}
	return false
}
