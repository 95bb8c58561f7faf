// Package session owns the PTY child processes. One reader goroutine per
// session owns the PTY handle and emits data events; everything else talks
// to the session through the manager.
package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/models"
	"github.com/shelltender/shelltender/internal/store"
)

const (
	defaultCols = 80
	defaultRows = 24
	maxDim      = 1000
)

type liveSession struct {
	session models.Session
	cmd     *exec.Cmd
	ptmx    *os.File
	done    chan struct{}

	mu       sync.Mutex
	stopped  bool
	deleted  bool // record removed on purpose; keep it gone after exit
	preserve bool // graceful shutdown: keep the record for restoration
	restored bool // no live output seen since restart restoration
	lastOut  time.Time
}

// DataFunc receives every chunk emitted by a session.
type DataFunc func(ev models.DataEvent)

// ExitFunc is called when a session's process ends. exitCode is -1 when it
// could not be determined.
type ExitFunc func(id string, exitCode int, reason string)

// Manager creates, restores and kills PTY sessions.
type Manager struct {
	store       *store.Store
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*liveSession

	subMu    sync.Mutex
	dataSubs map[int]DataFunc
	exitSubs map[int]ExitFunc
	nextSub  int
}

// NewManager creates a Manager persisting through the given store.
func NewManager(st *store.Store, maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &Manager{
		store:       st,
		maxSessions: maxSessions,
		sessions:    make(map[string]*liveSession),
		dataSubs:    make(map[int]DataFunc),
		exitSubs:    make(map[int]ExitFunc),
	}
}

// OnData registers a data subscriber; the returned func unsubscribes.
func (m *Manager) OnData(fn DataFunc) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.dataSubs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.dataSubs, id)
	}
}

// OnExit registers an exit subscriber; the returned func unsubscribes.
func (m *Manager) OnExit(fn ExitFunc) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.exitSubs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.exitSubs, id)
	}
}

func (m *Manager) emitData(ev models.DataEvent) {
	m.subMu.Lock()
	subs := make([]DataFunc, 0, len(m.dataSubs))
	for _, fn := range m.dataSubs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (m *Manager) emitExit(id string, code int, reason string) {
	m.subMu.Lock()
	subs := make([]ExitFunc, 0, len(m.exitSubs))
	for _, fn := range m.exitSubs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(id, code, reason)
	}
}

// Create spawns a new PTY session. When opts.ID names an existing live
// session the caller should attach instead; Create reports that case with
// ErrSessionExists so the multiplexer can recover.
func (m *Manager) Create(opts models.SessionOptions) (models.Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return models.Session{}, fmt.Errorf("create %s: %w", id, models.ErrSessionExists)
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return models.Session{}, fmt.Errorf("session limit %d reached", m.maxSessions)
	}
	// Reserve the id while spawning so concurrent creates cannot race.
	m.sessions[id] = nil
	m.mu.Unlock()

	sess, ls, err := m.spawn(id, opts)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return models.Session{}, err
	}

	m.mu.Lock()
	m.sessions[id] = ls
	m.mu.Unlock()

	rec := &models.StoredSession{Session: sess, Cwd: sess.Cwd, Env: sess.Env}
	if err := m.store.Save(id, rec); err != nil {
		logger.Warn("persist new session failed", "session", id, "error", err)
	}

	m.startReader(ls, false)
	logger.Info("session created", "session", id, "command", sess.Command, "pid", ls.cmd.Process.Pid)
	return sess, nil
}

func (m *Manager) spawn(id string, opts models.SessionOptions) (models.Session, *liveSession, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	if cols >= maxDim || rows >= maxDim {
		return models.Session{}, nil, models.ErrInvalidResize
	}

	command := opts.Command
	if command == "" {
		command = os.Getenv("SHELL")
	}
	if command == "" {
		command = "/bin/sh"
	}

	cmd := exec.Command(command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(opts.Env, opts.Restrictions)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, syscall.ENOENT) {
			return models.Session{}, nil, fmt.Errorf("%w: %s", models.ErrShellNotFound, command)
		}
		return models.Session{}, nil, fmt.Errorf("pty spawn failed (command=%s args=%v cwd=%s platform=%s): %w",
			command, opts.Args, opts.Cwd, runtime.GOOS, err)
	}

	now := time.Now()
	sess := models.Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
		Cols:           cols,
		Rows:           rows,
		Command:        command,
		Args:           opts.Args,
		Cwd:            opts.Cwd,
		Env:            opts.Env,
		Locked:         opts.Locked,
		Restrictions:   opts.Restrictions,
	}
	ls := &liveSession{
		session: sess,
		cmd:     cmd,
		ptmx:    ptmx,
		done:    make(chan struct{}),
		lastOut: now,
	}
	return sess, ls, nil
}

// mergeEnv layers caller env over the process environment and guarantees a
// usable terminal and UTF-8 locale. Restrictions travel as environment
// variables for a restricted-shell wrapper to consume.
func mergeEnv(extra map[string]string, r *models.Restrictions) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	merged["TERM"] = "xterm-256color"
	if !strings.Contains(strings.ToUpper(merged["LANG"]), "UTF-8") {
		merged["LANG"] = "en_US.UTF-8"
	}
	merged["LC_ALL"] = merged["LANG"]
	merged["LC_CTYPE"] = merged["LANG"]
	if r != nil {
		if r.AllowedRoot != "" {
			merged["SHELLTENDER_ALLOWED_ROOT"] = r.AllowedRoot
		}
		if len(r.BlockedCommands) > 0 {
			merged["SHELLTENDER_BLOCKED_COMMANDS"] = strings.Join(r.BlockedCommands, ",")
		}
		if r.ReadOnly {
			merged["SHELLTENDER_READ_ONLY"] = "1"
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// startReader launches the goroutine that exclusively owns the PTY handle.
func (m *Manager) startReader(ls *liveSession, restored bool) {
	ls.restored = restored
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ls.ptmx.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])

				ls.mu.Lock()
				ls.lastOut = time.Now()
				if ls.restored {
					// First live chunk flips the session back to normal mode.
					ls.restored = false
				}
				ls.mu.Unlock()

				m.emitData(models.DataEvent{
					SessionID: ls.session.ID,
					Data:      data,
					Timestamp: time.Now(),
					Metadata:  map[string]string{"source": models.SourcePTY},
				})
			}
			if err != nil {
				break
			}
		}
		m.reap(ls)
	}()
}

// reap runs once the PTY read loop ends, whether by kill or natural exit.
func (m *Manager) reap(ls *liveSession) {
	id := ls.session.ID

	ls.mu.Lock()
	alreadyStopped := ls.stopped
	ls.stopped = true
	deleted := ls.deleted
	preserve := ls.preserve
	ls.mu.Unlock()

	exitCode := -1
	if err := ls.cmd.Wait(); err == nil {
		exitCode = 0
	} else {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		}
	}
	close(ls.done)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	reason := "exited"
	if alreadyStopped {
		reason = "killed"
	}
	logger.Info("session ended", "session", id, "reason", reason, "exit_code", exitCode)

	if !deleted && !preserve {
		// Natural exit also retires the record; only a graceful shutdown
		// keeps records around for restart restoration.
		if err := m.store.Delete(id); err != nil {
			logger.Warn("delete session record failed", "session", id, "error", err)
		}
	}
	m.emitExit(id, exitCode, reason)
}

// Restore respawns every persisted session and replays its stored buffer as
// one synthetic data event tagged source=restored. A session that fails to
// respawn is removed from the store; the rest keep going.
//
// The seed callback, if non-nil, runs per record after the respawn but
// before the PTY reader starts, so callers can install the persisted
// scrollback and sequence cursor before any live chunk can be assigned a
// sequence below the persisted one.
func (m *Manager) Restore(seed func(models.StoredSession)) (restored []models.StoredSession, err error) {
	recs, err := m.store.LoadAll()
	if err != nil {
		return nil, err
	}

	for id, rec := range recs {
		opts := models.SessionOptions{
			ID:           id,
			Cols:         rec.Session.Cols,
			Rows:         rec.Session.Rows,
			Command:      rec.Session.Command,
			Args:         rec.Session.Args,
			Cwd:          rec.Cwd,
			Env:          rec.Env,
			Locked:       rec.Session.Locked,
			Restrictions: rec.Session.Restrictions,
		}
		sess, ls, spawnErr := m.spawn(id, opts)
		if spawnErr != nil {
			logger.Warn("respawn failed, dropping persisted session", "session", id, "error", spawnErr)
			m.store.Delete(id)
			continue
		}
		sess.CreatedAt = rec.Session.CreatedAt
		ls.session = sess

		m.mu.Lock()
		m.sessions[id] = ls
		m.mu.Unlock()

		if seed != nil {
			seed(*rec)
		}
		if len(rec.Buffer) > 0 {
			m.emitData(models.DataEvent{
				SessionID: id,
				Data:      []byte(rec.Buffer),
				Timestamp: time.Now(),
				Metadata:  map[string]string{"source": models.SourceRestored},
			})
		}
		m.startReader(ls, true)
		restored = append(restored, *rec)
		logger.Info("session restored", "session", id, "buffered_bytes", len(rec.Buffer))
	}
	return restored, nil
}

// Get returns a session's metadata.
func (m *Manager) Get(id string) (models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls := m.sessions[id]
	if ls == nil {
		return models.Session{}, false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.session, true
}

// GetAll returns every live session, newest first.
func (m *Manager) GetAll() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, ls := range m.sessions {
		if ls == nil {
			continue
		}
		ls.mu.Lock()
		out = append(out, ls.session)
		ls.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// LastOutput reports when the session last produced PTY output.
func (m *Manager) LastOutput(id string) (time.Time, bool) {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return time.Time{}, false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lastOut, true
}

// IsRestored reports whether the session is still in restored mode, i.e.
// no live PTY output has been seen since restart restoration.
func (m *Manager) IsRestored(id string) bool {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.restored
}

// Resize changes the PTY dimensions. Bounds are checked before touching
// the PTY.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols >= maxDim || rows >= maxDim {
		return models.ErrInvalidResize
	}
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return fmt.Errorf("resize %s: %w", id, models.ErrSessionNotFound)
	}
	if err := pty.Setsize(ls.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("resize %s: %w", id, err)
	}
	ls.mu.Lock()
	ls.session.Cols = cols
	ls.session.Rows = rows
	ls.session.LastAccessedAt = time.Now()
	ls.mu.Unlock()
	return nil
}

// WriteInput forwards bytes to the PTY. Locked sessions and read-only
// restricted sessions reject non-admin input.
func (m *Manager) WriteInput(id string, data []byte, source string) error {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return fmt.Errorf("input %s: %w", id, models.ErrSessionNotFound)
	}

	ls.mu.Lock()
	if ls.stopped {
		ls.mu.Unlock()
		return fmt.Errorf("input %s: %w", id, models.ErrSessionNotFound)
	}
	if source != models.SourceAdmin {
		if ls.session.Locked {
			ls.mu.Unlock()
			return fmt.Errorf("input %s: %w", id, models.ErrSessionLocked)
		}
		if r := ls.session.Restrictions; r != nil && r.ReadOnly {
			ls.mu.Unlock()
			return fmt.Errorf("input %s: %w", id, models.ErrSessionLocked)
		}
	}
	ls.session.LastAccessedAt = time.Now()
	ls.mu.Unlock()

	if _, err := ls.ptmx.Write(data); err != nil {
		return fmt.Errorf("input %s: %w", id, err)
	}
	return nil
}

// SendCommand writes a command line followed by a newline.
func (m *Manager) SendCommand(id, command string) error {
	return m.WriteInput(id, []byte(command+"\n"), models.SourceUser)
}

// SendKey writes the escape sequence for a named key.
func (m *Manager) SendKey(id string, key string) error {
	seq, ok := KeySequence(key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return m.WriteInput(id, seq, models.SourceUser)
}

// SetLocked toggles the session write lock.
func (m *Manager) SetLocked(id string, locked bool) error {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return fmt.Errorf("lock %s: %w", id, models.ErrSessionNotFound)
	}
	ls.mu.Lock()
	ls.session.Locked = locked
	ls.mu.Unlock()
	return nil
}

// Kill terminates a session and deletes its persisted record.
func (m *Manager) Kill(id string) error {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return fmt.Errorf("kill %s: %w", id, models.ErrSessionNotFound)
	}
	m.stop(ls, true)
	return nil
}

func (m *Manager) stop(ls *liveSession, deleteRecord bool) {
	ls.mu.Lock()
	if ls.stopped {
		ls.mu.Unlock()
		return
	}
	ls.stopped = true
	ls.deleted = deleteRecord
	ls.preserve = !deleteRecord
	ls.mu.Unlock()

	if deleteRecord {
		if err := m.store.Delete(ls.session.ID); err != nil {
			logger.Warn("delete session record failed", "session", ls.session.ID, "error", err)
		}
	}
	if ls.cmd.Process != nil {
		ls.cmd.Process.Signal(syscall.SIGTERM)
	}
	ls.ptmx.Close()
}

// Suspend stops a session's PTY but keeps the persisted record so the
// session is restored on the next start. Used by the idle reaper.
func (m *Manager) Suspend(id string) error {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return fmt.Errorf("suspend %s: %w", id, models.ErrSessionNotFound)
	}
	m.stop(ls, false)
	return nil
}

// Shutdown stops every PTY but keeps the persisted records so the sessions
// can be restored on the next start.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	all := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		if ls != nil {
			all = append(all, ls)
		}
	}
	m.mu.RUnlock()

	for _, ls := range all {
		m.stop(ls, false)
	}
	for _, ls := range all {
		<-ls.done
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
