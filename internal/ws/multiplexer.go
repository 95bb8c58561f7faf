// Package ws is the websocket multiplexer: one connection may subscribe to
// many sessions, with full-buffer or incremental replay on connect and
// strictly sequence-ordered output frames per client.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shelltender/shelltender/internal/buffer"
	"github.com/shelltender/shelltender/internal/config"
	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/metrics"
	"github.com/shelltender/shelltender/internal/models"
	"github.com/shelltender/shelltender/internal/pattern"
	"github.com/shelltender/shelltender/internal/protocol"
	"github.com/shelltender/shelltender/internal/session"
	"github.com/shelltender/shelltender/internal/store"
)

const maxMessageBytes = 1 << 20

// Multiplexer accepts websocket upgrades and routes frames between clients
// and sessions.
type Multiplexer struct {
	cfg      *config.Config
	manager  *session.Manager
	buffers  *buffer.Manager
	engine   *pattern.Engine
	store    *store.Store
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	// subscriber index: session id -> clients receiving its output
	subs map[string]map[*client]bool

	// per-session locks ordering buffer appends against connect replays
	replayMu sync.Mutex
	replay   map[string]*sync.Mutex
}

// NewMultiplexer wires the multiplexer to its collaborators.
func NewMultiplexer(cfg *config.Config, mgr *session.Manager, buf *buffer.Manager, eng *pattern.Engine, st *store.Store) *Multiplexer {
	m := &Multiplexer{
		cfg:     cfg,
		manager: mgr,
		buffers: buf,
		engine:  eng,
		store:   st,
		clients: make(map[string]*client),
		subs:    make(map[string]map[*client]bool),
		replay:  make(map[string]*sync.Mutex),
	}
	m.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if cfg.CORSOrigin == "" || cfg.CORSOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || strings.EqualFold(origin, cfg.CORSOrigin)
		},
	}
	return m
}

// ServeHTTP upgrades the connection and runs the per-connection read loop.
func (m *Multiplexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	c := newClient(uuid.NewString(), conn, m.cfg)
	m.mu.Lock()
	m.clients[c.id] = c
	m.mu.Unlock()
	metrics.ClientsConnected.Inc()
	logger.Info("client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.writeLoop()
	m.readLoop(c)
}

func (m *Multiplexer) readLoop(c *client) {
	defer m.cleanup(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		m.handleMessage(c, raw)
	}
}

// cleanup runs when a connection dies: owned patterns are unregistered, the
// client leaves every subscriber set, and its state is deleted.
func (m *Multiplexer) cleanup(c *client) {
	c.closeWith(websocket.CloseNormalClosure, "")

	for _, pid := range c.ownedPatterns() {
		m.engine.Unregister(pid)
	}

	m.mu.Lock()
	delete(m.clients, c.id)
	for sid, set := range m.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(m.subs, sid)
		}
	}
	m.mu.Unlock()
	metrics.ClientsConnected.Dec()
	logger.Info("client disconnected", "client", c.id)
}

func (m *Multiplexer) addSub(sessionID string, c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subs[sessionID]
	if set == nil {
		set = make(map[*client]bool)
		m.subs[sessionID] = set
	}
	set[c] = true
}

func (m *Multiplexer) removeSub(sessionID string, c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.subs[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(m.subs, sessionID)
		}
	}
}

func (m *Multiplexer) subscribers(sessionID string) []*client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*client, 0, len(m.subs[sessionID]))
	for c := range m.subs[sessionID] {
		out = append(out, c)
	}
	return out
}

func (m *Multiplexer) monitors() []*client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*client
	for _, c := range m.clients {
		c.mu.Lock()
		mon := c.isMonitor
		c.mu.Unlock()
		if mon {
			out = append(out, c)
		}
	}
	return out
}

// sessionLock returns the mutex that serializes buffer appends against
// connect replays for one session. Holding it across the snapshot plus the
// subscription insert guarantees a chunk is either contained in the
// scrollback reply or broadcast as an output frame after it, never both.
func (m *Multiplexer) sessionLock(sessionID string) *sync.Mutex {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	l := m.replay[sessionID]
	if l == nil {
		l = &sync.Mutex{}
		m.replay[sessionID] = l
	}
	return l
}

// SubscriberCount reports how many clients watch a session. The idle
// reaper uses this.
func (m *Multiplexer) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[sessionID])
}

// HandleProcessedData is the pipeline consumer: it appends the chunk to the
// session buffer (assigning its sequence) and broadcasts one output frame
// per subscribed client. Restored replay is seeded separately and never
// re-broadcast here.
func (m *Multiplexer) HandleProcessedData(ev models.ProcessedDataEvent) {
	if ev.Metadata["source"] == models.SourceRestored {
		return
	}
	if len(ev.ProcessedData) == 0 {
		return
	}

	lock := m.sessionLock(ev.SessionID)
	lock.Lock()
	seq := m.buffers.Append(ev.SessionID, ev.ProcessedData)
	if seq == 0 {
		lock.Unlock()
		return
	}
	metrics.BytesProcessed.Add(float64(len(ev.ProcessedData)))

	data := string(ev.ProcessedData)
	for _, c := range m.subscribers(ev.SessionID) {
		c.setSeq(ev.SessionID, seq)
		c.enqueue(protocol.ServerMessage{
			Type:      protocol.TypeOutput,
			SessionID: ev.SessionID,
			Data:      data,
			Sequence:  seq,
		})
	}
	lock.Unlock()
	for _, c := range m.monitors() {
		c.enqueue(protocol.ServerMessage{
			Type:      protocol.TypeSessionOutput,
			SessionID: ev.SessionID,
			Data:      data,
			Sequence:  seq,
		})
	}

	if strings.ContainsRune(data, '\a') {
		for _, c := range m.subscribers(ev.SessionID) {
			c.enqueue(protocol.ServerMessage{Type: protocol.TypeBell, SessionID: ev.SessionID})
		}
	}
}

// HandleTerminalEvent forwards an engine event to clients that own the
// pattern, or to clients subscribed to its event type.
func (m *Multiplexer) HandleTerminalEvent(ev models.TerminalEvent) {
	ev2 := ev
	m.mu.RLock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		owns := ev.PatternID != "" && c.patterns[ev.PatternID]
		c.mu.Unlock()
		if owns || c.wantsEvent(ev.Type) {
			c.enqueue(protocol.ServerMessage{
				Type:      protocol.TypeTerminalEvent,
				SessionID: ev.SessionID,
				Event:     &ev2,
			})
		}
	}
}

// HandleExit notifies subscribers that a session ended and clears the
// multiplexer's per-session state.
func (m *Multiplexer) HandleExit(sessionID string, exitCode int, reason string) {
	code := exitCode
	for _, c := range m.subscribers(sessionID) {
		c.unsubscribe(sessionID)
		c.enqueue(protocol.ServerMessage{
			Type:      protocol.TypeExit,
			SessionID: sessionID,
			ExitCode:  &code,
			Reason:    reason,
		})
	}
	m.mu.Lock()
	delete(m.subs, sessionID)
	m.mu.Unlock()
	m.replayMu.Lock()
	delete(m.replay, sessionID)
	m.replayMu.Unlock()
}

func (m *Multiplexer) handleMessage(c *client, raw []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(protocol.Error(models.KindInvalidMessage, "invalid JSON: "+err.Error(), "", ""))
		return
	}

	switch msg.Type {
	case protocol.TypeCreate:
		m.handleCreate(c, msg)
	case protocol.TypeConnect:
		m.handleConnect(c, msg)
	case protocol.TypeInput:
		m.handleInput(c, msg, models.SourceUser)
	case protocol.TypeResize:
		m.handleResize(c, msg)
	case protocol.TypeDisconnect:
		c.unsubscribe(msg.SessionID)
		m.removeSub(msg.SessionID, c)
		c.enqueue(protocol.ServerMessage{Type: protocol.TypeUnsubscribed, SessionID: msg.SessionID, RequestID: msg.RequestID})
	case protocol.TypeRegisterPattern:
		m.handleRegisterPattern(c, msg)
	case protocol.TypeUnregisterPattern:
		m.handleUnregisterPattern(c, msg)
	case protocol.TypeSubscribeEvents:
		m.handleSubscribeEvents(c, msg, true)
	case protocol.TypeUnsubscribeEvents:
		m.handleSubscribeEvents(c, msg, false)
	case protocol.TypeMonitorAll:
		m.handleMonitorAll(c, msg)
	case protocol.TypeAdminList:
		m.handleAdminList(c, msg)
	case protocol.TypeAdminAttach:
		m.handleAdminAttach(c, msg)
	case protocol.TypeAdminDetach:
		m.handleAdminDetach(c, msg)
	case protocol.TypeAdminInput:
		m.handleAdminInput(c, msg)
	default:
		c.enqueue(protocol.Error(models.KindUnknownMessageType, "unknown message type: "+msg.Type, msg.RequestID, msg.SessionID))
	}
}

// handleCreate creates a session, or attaches when the id already exists.
func (m *Multiplexer) handleCreate(c *client, msg protocol.ClientMessage) {
	opts := models.SessionOptions{}
	if msg.Options != nil {
		opts = *msg.Options
	}
	if opts.Cols == 0 {
		opts.Cols = msg.Cols
	}
	if opts.Rows == 0 {
		opts.Rows = msg.Rows
	}

	sess, err := m.manager.Create(opts)
	if err != nil {
		if errors.Is(err, models.ErrSessionExists) {
			// Reattach instead of erroring.
			sess, _ = m.manager.Get(opts.ID)
		} else {
			c.enqueue(protocol.Error(models.Kind(err), err.Error(), msg.RequestID, opts.ID))
			return
		}
	}

	c.subscribe(sess.ID, false)
	m.addSub(sess.ID, c)
	c.enqueue(protocol.ServerMessage{
		Type:      protocol.TypeCreated,
		RequestID: msg.RequestID,
		SessionID: sess.ID,
		Session:   &sess,
	})
}

// handleConnect subscribes the client and replays the buffer, either in
// full or incrementally from the client's last seen sequence. A gap in the
// retained buffer falls back to a full snapshot.
func (m *Multiplexer) handleConnect(c *client, msg protocol.ClientMessage) {
	if _, ok := m.manager.Get(msg.SessionID); !ok {
		c.enqueue(protocol.Error(models.KindSessionNotFound, "session not found", msg.RequestID, msg.SessionID))
		return
	}

	lock := m.sessionLock(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()

	incremental := msg.UseIncrementalUpdates && msg.LastSequence != nil
	c.subscribe(msg.SessionID, incremental)
	m.addSub(msg.SessionID, c)

	reply := protocol.ServerMessage{
		Type:      protocol.TypeConnect,
		RequestID: msg.RequestID,
		SessionID: msg.SessionID,
	}

	if incremental {
		from := *msg.LastSequence
		data, lastSeq, gap := m.buffers.GetSince(msg.SessionID, from)
		if gap {
			full, _ := m.buffers.GetFull(msg.SessionID)
			scrollback := string(full)
			reply.Scrollback = &scrollback
			reply.LastSequence = &lastSeq
		} else {
			inc := string(data)
			reply.IncrementalData = &inc
			reply.FromSequence = &from
			reply.LastSequence = &lastSeq
		}
		c.setSeq(msg.SessionID, lastSeq)
	} else {
		full, lastSeq := m.buffers.GetFull(msg.SessionID)
		scrollback := string(full)
		reply.Scrollback = &scrollback
		reply.LastSequence = &lastSeq
		c.setSeq(msg.SessionID, lastSeq)
	}
	c.enqueue(reply)
}

// handleInput forwards client bytes to the PTY. Input is rejected until the
// client has connected to the session; queueing writes for unseen sessions
// invites out-of-order surprises.
func (m *Multiplexer) handleInput(c *client, msg protocol.ClientMessage, source string) {
	if !c.isSubscribed(msg.SessionID) {
		c.enqueue(protocol.Error(models.KindSessionNotFound, "not connected to session", msg.RequestID, msg.SessionID))
		return
	}
	if err := m.manager.WriteInput(msg.SessionID, []byte(msg.Data), source); err != nil {
		c.enqueue(protocol.Error(models.Kind(err), err.Error(), msg.RequestID, msg.SessionID))
	}
}

// handleResize resizes the PTY and broadcasts the new dimensions to every
// subscriber, sender included.
func (m *Multiplexer) handleResize(c *client, msg protocol.ClientMessage) {
	if err := m.manager.Resize(msg.SessionID, msg.Cols, msg.Rows); err != nil {
		c.enqueue(protocol.Error(models.Kind(err), err.Error(), msg.RequestID, msg.SessionID))
		return
	}
	for _, sub := range m.subscribers(msg.SessionID) {
		sub.enqueue(protocol.ServerMessage{
			Type:      protocol.TypeResize,
			SessionID: msg.SessionID,
			Cols:      msg.Cols,
			Rows:      msg.Rows,
		})
	}
}

// handleRegisterPattern registers a pattern on behalf of the client. The
// wire protocol accepts string and regex only; custom predicates must be
// registered in-process.
func (m *Multiplexer) handleRegisterPattern(c *client, msg protocol.ClientMessage) {
	if msg.Config == nil {
		c.enqueue(protocol.Error(models.KindInvalidMessage, "register-pattern requires config", msg.RequestID, msg.SessionID))
		return
	}
	if msg.Config.Type == models.PatternCustom {
		c.enqueue(protocol.Error(models.KindPatternCompile, "custom patterns cannot be registered over the wire", msg.RequestID, msg.SessionID))
		return
	}
	pid, err := m.engine.Register(msg.SessionID, *msg.Config)
	if err != nil {
		c.enqueue(protocol.Error(models.Kind(err), err.Error(), msg.RequestID, msg.SessionID))
		return
	}

	c.mu.Lock()
	c.patterns[pid] = true
	c.mu.Unlock()

	if err := m.store.SavePatterns(msg.SessionID, m.engine.Patterns(msg.SessionID)); err != nil {
		logger.Warn("persist patterns failed", "session", msg.SessionID, "error", err)
	}
	metrics.PatternsRegistered.Inc()
	c.enqueue(protocol.ServerMessage{
		Type:      protocol.TypePatternRegistered,
		RequestID: msg.RequestID,
		SessionID: msg.SessionID,
		PatternID: pid,
	})
}

func (m *Multiplexer) handleUnregisterPattern(c *client, msg protocol.ClientMessage) {
	m.engine.Unregister(msg.PatternID)
	c.mu.Lock()
	delete(c.patterns, msg.PatternID)
	c.mu.Unlock()
	c.enqueue(protocol.ServerMessage{
		Type:      protocol.TypePatternUnregistered,
		RequestID: msg.RequestID,
		PatternID: msg.PatternID,
	})
}

func (m *Multiplexer) handleSubscribeEvents(c *client, msg protocol.ClientMessage, subscribe bool) {
	c.mu.Lock()
	for _, t := range msg.EventTypes {
		if subscribe {
			c.eventTypes[t] = true
		} else {
			delete(c.eventTypes, t)
		}
	}
	c.mu.Unlock()

	reply := protocol.TypeSubscribed
	if !subscribe {
		reply = protocol.TypeUnsubscribed
	}
	c.enqueue(protocol.ServerMessage{Type: reply, RequestID: msg.RequestID, EventTypes: msg.EventTypes})
}

// handleMonitorAll enables the read-only firehose when the shared monitor
// key matches. An unset key disables monitoring entirely.
func (m *Multiplexer) handleMonitorAll(c *client, msg protocol.ClientMessage) {
	if m.cfg.MonitorAuthKey == "" || msg.AuthKey != m.cfg.MonitorAuthKey {
		c.enqueue(protocol.Error(models.KindAuthFailed, "monitor auth failed", msg.RequestID, ""))
		return
	}
	c.mu.Lock()
	c.isMonitor = true
	c.mu.Unlock()
	c.enqueue(protocol.ServerMessage{Type: protocol.TypeMonitorEnabled, RequestID: msg.RequestID})
}

func (m *Multiplexer) requireMonitor(c *client, msg protocol.ClientMessage) bool {
	c.mu.Lock()
	mon := c.isMonitor
	c.mu.Unlock()
	if !mon && msg.AuthKey != "" && m.cfg.MonitorAuthKey != "" && msg.AuthKey == m.cfg.MonitorAuthKey {
		mon = true
	}
	if !mon {
		c.enqueue(protocol.Error(models.KindAuthFailed, "admin access requires monitor auth", msg.RequestID, msg.SessionID))
	}
	return mon
}

func (m *Multiplexer) handleAdminList(c *client, msg protocol.ClientMessage) {
	if !m.requireMonitor(c, msg) {
		return
	}
	sessions := m.manager.GetAll()
	metas := make([]models.SessionMeta, 0, len(sessions))
	for _, s := range sessions {
		metas = append(metas, models.SessionMeta{
			Session:    s,
			BufferSize: m.buffers.Size(s.ID),
			LastSeq:    m.buffers.LastSeq(s.ID),
			Clients:    m.SubscriberCount(s.ID),
		})
	}
	c.enqueue(protocol.ServerMessage{Type: protocol.TypeAdminSessions, RequestID: msg.RequestID, Sessions: metas})
}

// handleAdminAttach is the operator attach: full buffer first, then the
// client joins the normal broadcast path for the session.
func (m *Multiplexer) handleAdminAttach(c *client, msg protocol.ClientMessage) {
	if !m.requireMonitor(c, msg) {
		return
	}
	if _, ok := m.manager.Get(msg.SessionID); !ok {
		c.enqueue(protocol.Error(models.KindSessionNotFound, "session not found", msg.RequestID, msg.SessionID))
		return
	}

	lock := m.sessionLock(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()

	full, lastSeq := m.buffers.GetFull(msg.SessionID)
	scrollback := string(full)

	c.subscribe(msg.SessionID, false)
	c.mu.Lock()
	c.adminSess[msg.SessionID] = true
	c.mu.Unlock()
	m.addSub(msg.SessionID, c)
	c.setSeq(msg.SessionID, lastSeq)

	c.enqueue(protocol.ServerMessage{
		Type:         protocol.TypeAdminAttached,
		RequestID:    msg.RequestID,
		SessionID:    msg.SessionID,
		Scrollback:   &scrollback,
		LastSequence: &lastSeq,
	})
}

func (m *Multiplexer) handleAdminDetach(c *client, msg protocol.ClientMessage) {
	if !m.requireMonitor(c, msg) {
		return
	}
	c.unsubscribe(msg.SessionID)
	c.mu.Lock()
	delete(c.adminSess, msg.SessionID)
	c.mu.Unlock()
	m.removeSub(msg.SessionID, c)
	c.enqueue(protocol.ServerMessage{Type: protocol.TypeAdminDetached, RequestID: msg.RequestID, SessionID: msg.SessionID})
}

// handleAdminInput writes operator input, tagged source=admin so pipeline
// filters and lock checks can treat it differently.
func (m *Multiplexer) handleAdminInput(c *client, msg protocol.ClientMessage) {
	if !m.requireMonitor(c, msg) {
		return
	}
	if err := m.manager.WriteInput(msg.SessionID, []byte(msg.Data), models.SourceAdmin); err != nil {
		c.enqueue(protocol.Error(models.Kind(err), err.Error(), msg.RequestID, msg.SessionID))
	}
}
