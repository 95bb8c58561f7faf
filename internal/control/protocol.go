// Package control is the operator attach channel: yamux over a unix domain
// socket (and optionally over a websocket for remote operators). Every
// client-opened stream starts with one JSON request line; an attach request
// then turns the stream into a raw byte pipe carrying scrollback plus live
// output one way and PTY input the other.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/shelltender/shelltender/internal/models"
)

// Commands accepted on a control stream.
const (
	cmdAttach = "attach"
	cmdList   = "list"
	cmdPing   = "ping"
	cmdKill   = "kill"
)

// Request is the JSON line opening every stream.
type Request struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
}

// Response answers the request on the same stream.
type Response struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Sessions []models.Session `json:"sessions,omitempty"`
	// Scrollback length in bytes that follows the response line on an
	// attach stream, before live output begins.
	ScrollbackLen int `json:"scrollback_len,omitempty"`
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	return nil
}

func readJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	return nil
}
