package control

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/shelltender/shelltender/internal/buffer"
	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/models"
	"github.com/shelltender/shelltender/internal/pipeline"
	"github.com/shelltender/shelltender/internal/session"
)

// Server serves the control protocol to local (unix socket) and remote
// (websocket) operator clients.
type Server struct {
	manager *session.Manager
	buffers *buffer.Manager
	pipe    *pipeline.Pipeline

	socketPath string
	listener   net.Listener

	mu       sync.Mutex
	attached map[string][]io.Closer // session id -> attach streams to close on exit
	closed   bool

	upgrader websocket.Upgrader
}

// NewServer wires the control server to its collaborators.
func NewServer(socketPath string, mgr *session.Manager, buf *buffer.Manager, pipe *pipeline.Pipeline) *Server {
	s := &Server{
		manager:    mgr,
		buffers:    buf,
		pipe:       pipe,
		socketPath: socketPath,
		attached:   make(map[string][]io.Closer),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mgr.OnExit(func(id string, _ int, _ string) { s.closeAttached(id) })
	return s
}

// ListenUnix starts accepting local connections on the unix socket.
func (s *Server) ListenUnix() error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn)
		}
	}()
	logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

// ServeHTTP upgrades a websocket and speaks yamux over it, mirroring the
// unix socket path for remote operators.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("control upgrade failed", "error", err)
		return
	}
	s.serveTransport(NewWSConn(conn))
}

func (s *Server) serveConn(conn net.Conn) {
	s.serveTransport(conn)
}

func (s *Server) serveTransport(rwc io.ReadWriteCloser) {
	mux, err := yamux.Server(rwc, yamux.DefaultConfig())
	if err != nil {
		logger.Warn("control yamux server failed", "error", err)
		rwc.Close()
		return
	}
	defer mux.Close()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return
		}
		go s.handleStream(stream)
	}
}

func (s *Server) handleStream(stream *yamux.Stream) {
	br := bufio.NewReader(stream)
	var req Request
	if err := readJSONLine(br, &req); err != nil {
		stream.Close()
		return
	}

	switch req.Command {
	case cmdPing:
		writeJSONLine(stream, Response{OK: true})
		stream.Close()

	case cmdList:
		writeJSONLine(stream, Response{OK: true, Sessions: s.manager.GetAll()})
		stream.Close()

	case cmdKill:
		if err := s.manager.Kill(req.SessionID); err != nil {
			writeJSONLine(stream, Response{Error: err.Error()})
		} else {
			writeJSONLine(stream, Response{OK: true})
		}
		stream.Close()

	case cmdAttach:
		s.handleAttach(stream, br, req.SessionID)

	default:
		writeJSONLine(stream, Response{Error: "unknown command: " + req.Command})
		stream.Close()
	}
}

// handleAttach replays the scrollback then bridges the stream to the
// session: live processed output flows out, operator keystrokes flow in as
// admin-tagged input.
func (s *Server) handleAttach(stream *yamux.Stream, br *bufio.Reader, sessionID string) {
	if _, ok := s.manager.Get(sessionID); !ok {
		writeJSONLine(stream, Response{Error: "session not found: " + sessionID})
		stream.Close()
		return
	}

	scrollback, _ := s.buffers.GetFull(sessionID)
	if err := writeJSONLine(stream, Response{OK: true, ScrollbackLen: len(scrollback)}); err != nil {
		stream.Close()
		return
	}
	if len(scrollback) > 0 {
		if _, err := stream.Write(scrollback); err != nil {
			stream.Close()
			return
		}
	}

	unsub := s.pipe.OnSessionData(sessionID, func(ev models.ProcessedDataEvent) {
		if ev.Metadata["source"] == models.SourceRestored {
			return
		}
		stream.Write(ev.ProcessedData)
	})

	s.mu.Lock()
	s.attached[sessionID] = append(s.attached[sessionID], stream)
	s.mu.Unlock()

	// Operator input until the stream dies.
	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if werr := s.manager.WriteInput(sessionID, buf[:n], models.SourceAdmin); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	unsub()
	s.forgetStream(sessionID, stream)
	stream.Close()
}

func (s *Server) forgetStream(sessionID string, stream io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := s.attached[sessionID]
	for i, st := range streams {
		if st == stream {
			s.attached[sessionID] = append(streams[:i], streams[i+1:]...)
			break
		}
	}
}

func (s *Server) closeAttached(sessionID string) {
	s.mu.Lock()
	streams := s.attached[sessionID]
	delete(s.attached, sessionID)
	s.mu.Unlock()
	for _, st := range streams {
		st.Close()
	}
}

// Close stops the unix listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
