package models

import "time"

// Session describes one PTY session. The id is immutable for the lifetime
// of the session; exactly one live PTY backs it at any time.
type Session struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	Cols           int               `json:"cols"`
	Rows           int               `json:"rows"`
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Locked         bool              `json:"locked"`
	Restrictions   *Restrictions     `json:"restrictions,omitempty"`
}

// Restrictions are forwarded to a restricted-shell wrapper at spawn time.
type Restrictions struct {
	AllowedRoot     string   `json:"allowed_root,omitempty"`
	BlockedCommands []string `json:"blocked_commands,omitempty"`
	ReadOnly        bool     `json:"read_only,omitempty"`
}

// SessionOptions are the caller-supplied parameters for creating a session.
type SessionOptions struct {
	ID           string            `json:"id,omitempty"`
	Cols         int               `json:"cols,omitempty"`
	Rows         int               `json:"rows,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Locked       bool              `json:"locked,omitempty"`
	Restrictions *Restrictions     `json:"restrictions,omitempty"`
}

// StoredSession is the on-disk record, one pretty-printed JSON file per
// session under the data directory.
type StoredSession struct {
	Session  Session           `json:"session"`
	Buffer   string            `json:"buffer"`
	LastSeq  uint64            `json:"last_seq"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Patterns []PatternConfig   `json:"patterns,omitempty"`
}

// Data sources recorded in event metadata.
const (
	SourcePTY      = "pty"
	SourceUser     = "user"
	SourceSystem   = "system"
	SourceAdmin    = "admin"
	SourceRestored = "restored"
)

// DataEvent is one chunk of bytes emitted by the session manager before the
// pipeline has touched it.
type DataEvent struct {
	SessionID string
	Data      []byte
	Timestamp time.Time
	Metadata  map[string]string
}

// ProcessedDataEvent is the pipeline's output record.
type ProcessedDataEvent struct {
	SessionID       string
	Timestamp       time.Time
	OriginalData    []byte
	ProcessedData   []byte
	Transformations []string
	Metadata        map[string]string
}

// Pattern types accepted by the engine. Custom patterns carry an in-process
// predicate and are rejected over the wire.
const (
	PatternString = "string"
	PatternRegex  = "regex"
	PatternCustom = "custom"
)

// PatternOptions tune matching behavior.
type PatternOptions struct {
	DebounceMs   int  `json:"debounce,omitempty"`
	Multiline    bool `json:"multiline,omitempty"`
	ContextLines int  `json:"contextLines,omitempty"`
}

// PatternConfig describes one registered pattern.
type PatternConfig struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Pattern string         `json:"pattern"`
	Options PatternOptions `json:"options,omitempty"`

	// Predicate backs type "custom". Never serialized; custom patterns must
	// be registered in-process by name.
	Predicate func(data []byte) (string, bool) `json:"-"`
}

// Terminal event types delivered to event subscribers.
const (
	EventPatternMatch = "pattern-match"
	EventBell         = "bell"
	EventExit         = "exit"
	EventError        = "error"
)

// TerminalEvent is emitted by the pattern engine and session lifecycle.
type TerminalEvent struct {
	Type          string            `json:"type"`
	SessionID     string            `json:"sessionId"`
	PatternName   string            `json:"patternName,omitempty"`
	PatternID     string            `json:"patternId,omitempty"`
	Match         string            `json:"match,omitempty"`
	Groups        map[string]string `json:"groups,omitempty"`
	ContextBefore []string          `json:"contextBefore,omitempty"`
	ContextAfter  []string          `json:"contextAfter,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	ExitCode      *int              `json:"exitCode,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// SessionMeta is the admin listing view of a session.
type SessionMeta struct {
	Session
	BufferSize int    `json:"bufferSize"`
	LastSeq    uint64 `json:"lastSeq"`
	Clients    int    `json:"clients"`
}
