package models

import "errors"

// Error kinds reported to clients. The string values travel on the wire in
// error frames; the sentinel errors are what components return internally.
const (
	KindInvalidMessage       = "InvalidMessage"
	KindUnknownMessageType   = "UnknownMessageType"
	KindSessionNotFound      = "SessionNotFound"
	KindSessionAlreadyExists = "SessionAlreadyExists"
	KindShellNotFound        = "ShellNotFound"
	KindPtySpawnFailed       = "PtySpawnFailed"
	KindPatternCompile       = "PatternCompileError"
	KindSessionLocked        = "SessionLocked"
	KindAuthFailed           = "AuthFailed"
	KindPayloadTooLarge      = "PayloadTooLarge"
	KindRateLimited          = "RateLimited"
	KindStorageError         = "StorageError"
	KindInternalError        = "InternalError"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrShellNotFound   = errors.New("shell not found")
	ErrSessionLocked   = errors.New("session is locked")
	ErrPatternCompile  = errors.New("pattern failed to compile")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidResize   = errors.New("cols and rows must be between 1 and 999")
)

// Kind maps an internal error to its wire-visible kind string.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, ErrSessionExists):
		return KindSessionAlreadyExists
	case errors.Is(err, ErrShellNotFound):
		return KindShellNotFound
	case errors.Is(err, ErrPatternCompile):
		return KindPatternCompile
	case errors.Is(err, ErrSessionLocked):
		return KindSessionLocked
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrInvalidResize):
		return KindInvalidMessage
	default:
		return KindInternalError
	}
}
