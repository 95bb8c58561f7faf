package session

import "strings"

// keySequences maps named keys to the xterm byte sequences written to the
// PTY. Ctrl-<letter> keys are computed, not listed.
var keySequences = map[string][]byte{
	"enter":     {'\r'},
	"tab":       {'\t'},
	"backspace": {0x7f},
	"escape":    {0x1b},
	"space":     {' '},
	"up":        []byte("\x1b[A"),
	"down":      []byte("\x1b[B"),
	"right":     []byte("\x1b[C"),
	"left":      []byte("\x1b[D"),
	"home":      []byte("\x1b[H"),
	"end":       []byte("\x1b[F"),
	"pageup":    []byte("\x1b[5~"),
	"pagedown":  []byte("\x1b[6~"),
	"insert":    []byte("\x1b[2~"),
	"delete":    []byte("\x1b[3~"),
	"f1":        []byte("\x1bOP"),
	"f2":        []byte("\x1bOQ"),
	"f3":        []byte("\x1bOR"),
	"f4":        []byte("\x1bOS"),
	"f5":        []byte("\x1b[15~"),
	"f6":        []byte("\x1b[17~"),
	"f7":        []byte("\x1b[18~"),
	"f8":        []byte("\x1b[19~"),
	"f9":        []byte("\x1b[20~"),
	"f10":       []byte("\x1b[21~"),
	"f11":       []byte("\x1b[23~"),
	"f12":       []byte("\x1b[24~"),
}

// KeySequence resolves a named key ("up", "ctrl-c", "f5", ...) to the bytes
// a terminal would send.
func KeySequence(key string) ([]byte, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	if seq, ok := keySequences[key]; ok {
		cp := make([]byte, len(seq))
		copy(cp, seq)
		return cp, true
	}
	if rest, ok := strings.CutPrefix(key, "ctrl-"); ok && len(rest) == 1 {
		c := rest[0]
		if c >= 'a' && c <= 'z' {
			return []byte{c - 'a' + 1}, true
		}
	}
	return nil, false
}
