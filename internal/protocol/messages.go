// Package protocol defines the JSON messages spoken over the websocket.
// One message per frame; the Type field discriminates. Both directions use
// a single struct with omitempty fields, so unknown optional fields never
// break older clients.
package protocol

import "github.com/shelltender/shelltender/internal/models"

// Client to server message types.
const (
	TypeCreate            = "create"
	TypeConnect           = "connect"
	TypeInput             = "input"
	TypeResize            = "resize"
	TypeDisconnect        = "disconnect"
	TypeRegisterPattern   = "register-pattern"
	TypeUnregisterPattern = "unregister-pattern"
	TypeSubscribeEvents   = "subscribe-events"
	TypeUnsubscribeEvents = "unsubscribe-events"
	TypeMonitorAll        = "monitor-all"
	TypeAdminList         = "admin-list"
	TypeAdminAttach       = "admin-attach"
	TypeAdminDetach       = "admin-detach"
	TypeAdminInput        = "admin-input"
)

// Server to client message types.
const (
	TypeCreated             = "created"
	TypeOutput              = "output"
	TypeError               = "error"
	TypeBell                = "bell"
	TypeExit                = "exit"
	TypeTerminalEvent       = "terminal-event"
	TypePatternRegistered   = "pattern-registered"
	TypePatternUnregistered = "pattern-unregistered"
	TypeSubscribed          = "subscribed"
	TypeUnsubscribed        = "unsubscribed"
	TypeMonitorEnabled      = "monitor-mode-enabled"
	TypeSessionOutput       = "session-output"
	TypeAdminSessions       = "admin-sessions"
	TypeAdminAttached       = "admin-attached"
	TypeAdminDetached       = "admin-detached"
)

// ClientMessage is every message a client may send.
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// create
	Options *models.SessionOptions `json:"options,omitempty"`
	Cols    int                    `json:"cols,omitempty"`
	Rows    int                    `json:"rows,omitempty"`

	// connect
	UseIncrementalUpdates bool    `json:"useIncrementalUpdates,omitempty"`
	LastSequence          *uint64 `json:"lastSequence,omitempty"`

	// input / admin-input
	Data string `json:"data,omitempty"`

	// register-pattern
	Config *models.PatternConfig `json:"config,omitempty"`
	// unregister-pattern
	PatternID string `json:"patternId,omitempty"`

	// subscribe-events / unsubscribe-events
	EventTypes []string `json:"eventTypes,omitempty"`

	// monitor-all
	AuthKey string `json:"authKey,omitempty"`
}

// ServerMessage is every message the server may send.
type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// created
	Session *models.Session `json:"session,omitempty"`

	// connect replies
	Scrollback      *string `json:"scrollback,omitempty"`
	IncrementalData *string `json:"incrementalData,omitempty"`
	FromSequence    *uint64 `json:"fromSequence,omitempty"`
	LastSequence    *uint64 `json:"lastSequence,omitempty"`

	// output / session-output
	Data     string `json:"data,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`

	// resize broadcast
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// exit
	ExitCode *int   `json:"exitCode,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// error frames: Data carries the message, Kind the error kind string
	Kind string `json:"kind,omitempty"`

	// terminal-event
	Event *models.TerminalEvent `json:"event,omitempty"`

	// pattern-registered / pattern-unregistered
	PatternID string `json:"patternId,omitempty"`

	// subscribed / unsubscribed
	EventTypes []string `json:"eventTypes,omitempty"`

	// admin-sessions
	Sessions []models.SessionMeta `json:"sessions,omitempty"`
}

// Error builds a standard error frame.
func Error(kind, msg, requestID, sessionID string) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		Kind:      kind,
		Data:      msg,
		RequestID: requestID,
		SessionID: sessionID,
	}
}
