// Package server assembles the components into a running process: session
// store and manager, pipeline, pattern engine, websocket multiplexer,
// control channel, event journal and the HTTP API. The container owns its
// collaborators and tears them down in reverse construction order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shelltender/shelltender/internal/buffer"
	"github.com/shelltender/shelltender/internal/config"
	"github.com/shelltender/shelltender/internal/control"
	"github.com/shelltender/shelltender/internal/journal"
	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/metrics"
	"github.com/shelltender/shelltender/internal/models"
	"github.com/shelltender/shelltender/internal/pattern"
	"github.com/shelltender/shelltender/internal/pipeline"
	"github.com/shelltender/shelltender/internal/session"
	"github.com/shelltender/shelltender/internal/store"
	"github.com/shelltender/shelltender/internal/ws"
)

// Server is the top-level container.
type Server struct {
	cfg *config.Config

	store     *store.Store
	persister *store.Persister
	buffers   *buffer.Manager
	manager   *session.Manager
	pipe      *pipeline.Pipeline
	engine    *pattern.Engine
	mux       *ws.Multiplexer
	journal   *journal.Journal
	ctl       *control.Server

	router  chi.Router
	httpSrv *http.Server
}

// defaultSecretPatterns back the security processor when the pipeline runs
// with security enabled.
var defaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password=\S+`),
	regexp.MustCompile(`(?i)passwd=\S+`),
	regexp.MustCompile(`(?i)api[_-]?key=\S+`),
	regexp.MustCompile(`(?i)secret=\S+`),
	regexp.MustCompile(`(?i)token=\S+`),
}

// New constructs and wires every component. Nothing is listening yet; call
// Run.
func New(cfg *config.Config) (*Server, error) {
	st := store.New(cfg.DataDir)
	if err := st.Init(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		store:     st,
		persister: store.NewPersister(st),
		buffers:   buffer.NewManager(cfg.BufferCap),
		manager:   session.NewManager(st, cfg.MaxSessions),
		pipe:      pipeline.New(),
		engine:    pattern.NewEngine(),
	}
	s.mux = ws.NewMultiplexer(cfg, s.manager, s.buffers, s.engine, st)
	s.ctl = control.NewServer(cfg.ControlSocketPath(), s.manager, s.buffers, s.pipe)

	j, err := journal.Open(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		// The journal is best-effort; the serving path works without it.
		logger.Warn("event journal unavailable", "error", err)
	} else {
		s.journal = j
	}

	s.installProcessors()
	s.wire()
	s.routes()
	return s, nil
}

// installProcessors registers the built-in pipeline stages according to
// configuration. Priorities: 10-19 security, 20-29 compliance, 30-49
// shaping.
func (s *Server) installProcessors() {
	if !s.cfg.EnablePipeline {
		return
	}
	s.pipe.AddFilter("maxDataSize", pipeline.MaxDataSize(1<<20))
	if s.cfg.EnableSecurity {
		s.pipe.AddProcessor("security", 10, pipeline.SecurityFilter(defaultSecretPatterns))
		s.pipe.AddProcessor("creditCard", 20, pipeline.CreditCardRedactor())
	}
	if s.cfg.EnableRateLimit {
		s.pipe.AddProcessor("rateLimiter", 40, pipeline.RateLimiter(s.cfg.MaxBytesPerSecond))
	}
}

// wire connects the event flow: PTY chunk -> pipeline -> buffer append +
// broadcast -> pattern scan -> persistence, in that order within one
// subscriber so ordering holds without extra synchronization.
func (s *Server) wire() {
	s.manager.OnData(func(ev models.DataEvent) {
		if ev.Metadata["source"] == models.SourceRestored {
			// Restored scrollback is seeded straight into the buffer during
			// Restore; it is never re-processed, re-persisted or matched.
			return
		}
		s.pipe.Process(ev)
	})

	s.pipe.OnData(func(ev models.ProcessedDataEvent) {
		s.mux.HandleProcessedData(ev)
		s.engine.HandleData(ev)
		full, lastSeq := s.buffers.GetFull(ev.SessionID)
		s.persister.Enqueue(ev.SessionID, full, lastSeq)
	})
	s.pipe.OnBlocked(func(ev models.DataEvent, filterName string) {
		metrics.ChunksBlocked.Inc()
		logger.Debug("chunk blocked", "session", ev.SessionID, "filter", filterName)
	})
	s.pipe.OnDropped(func(ev models.ProcessedDataEvent, processorName string) {
		metrics.ChunksDropped.Inc()
		logger.Debug("chunk dropped", "session", ev.SessionID, "processor", processorName)
	})

	s.engine.OnEvent(func(ev models.TerminalEvent) {
		metrics.PatternMatches.Inc()
		s.mux.HandleTerminalEvent(ev)
		if s.journal != nil {
			s.journal.Append(ev)
		}
	})

	s.manager.OnExit(func(id string, exitCode int, reason string) {
		s.mux.HandleExit(id, exitCode, reason)
		s.engine.DropSession(id)
		s.buffers.Remove(id)
		s.persister.Forget(id)
		metrics.SessionsActive.Set(float64(s.manager.Count()))
		if s.journal != nil {
			code := exitCode
			s.journal.Append(models.TerminalEvent{
				Type:      models.EventExit,
				SessionID: id,
				Reason:    reason,
				ExitCode:  &code,
				Timestamp: time.Now(),
			})
		}
	})
}

// restore brings persisted sessions back: respawn PTYs, seed scrollback
// and sequence counters, re-register persisted patterns. Seeding happens
// inside the manager's per-record callback, before the PTY reader starts,
// so an early prompt chunk can never be assigned a sequence below the
// persisted cursor or be discarded by the scrollback install.
func (s *Server) restore() {
	recs, err := s.manager.Restore(func(rec models.StoredSession) {
		id := rec.Session.ID
		s.buffers.Restore(id, []byte(rec.Buffer), rec.LastSeq)
		for _, pc := range rec.Patterns {
			if pc.Type == models.PatternCustom {
				logger.Warn("skipping persisted custom pattern", "session", id, "pattern", pc.Name)
				continue
			}
			if _, err := s.engine.Register(id, pc); err != nil {
				logger.Warn("re-register pattern failed", "session", id, "pattern", pc.Name, "error", err)
			}
		}
	})
	if err != nil {
		logger.Error("session restore failed", "error", err)
		return
	}
	metrics.SessionsActive.Set(float64(s.manager.Count()))
	if len(recs) > 0 {
		logger.Info("sessions restored", "count", len(recs))
	}
}

// Handler returns the HTTP handler so the server can be mounted into an
// existing http.Server instead of running standalone.
func (s *Server) Handler() http.Handler { return s.router }

// Run restores persisted sessions, starts the control socket and serves
// HTTP until the context is canceled, then shuts everything down in
// reverse construction order.
func (s *Server) Run(ctx context.Context) error {
	s.restore()

	if err := s.ctl.ListenUnix(); err != nil {
		logger.Warn("control socket unavailable", "error", err)
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}

	reaperDone := make(chan struct{})
	go s.reaperLoop(ctx, reaperDone)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "ws_path", s.cfg.WSPath)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(shutdownCtx)
	<-reaperDone

	s.ctl.Close()
	s.manager.Shutdown()
	s.persister.Close()
	if s.journal != nil {
		s.journal.Close()
	}
	return nil
}

// reaperLoop periodically suspends idle sessions and refreshes gauges.
func (s *Server) reaperLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		metrics.SessionsActive.Set(float64(s.manager.Count()))
		if s.cfg.SessionIdleTimeout <= 0 {
			continue
		}
		for _, sess := range s.manager.GetAll() {
			if s.mux.SubscriberCount(sess.ID) > 0 {
				continue
			}
			last, ok := s.manager.LastOutput(sess.ID)
			if !ok || time.Since(last) < s.cfg.SessionIdleTimeout {
				continue
			}
			// Flush the final buffer before the PTY goes away.
			full, lastSeq := s.buffers.GetFull(sess.ID)
			if err := s.store.UpdateBuffer(sess.ID, full, lastSeq); err != nil {
				logger.Warn("idle flush failed", "session", sess.ID, "error", err)
			}
			logger.Info("suspending idle session", "session", sess.ID)
			s.manager.Suspend(sess.ID)
		}
	}
}
