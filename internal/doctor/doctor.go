// Package doctor probes the environment and live components and produces
// the diagnostic envelope served at /api/shelltender/doctor.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/shelltender/shelltender/internal/config"
)

// Check is one probe result.
type Check struct {
	Status  string `json:"status"` // ok, warn, fail
	Message string `json:"message,omitempty"`
}

// Stats carries live component counters into the report. Zero values are
// fine when running outside a server process.
type Stats struct {
	Sessions        int
	Clients         int
	BufferedBytes   int
	PipelineEnabled bool
}

// Report is the diagnostic envelope.
type Report struct {
	Status      string           `json:"status"` // ok, degraded, fail
	Checks      map[string]Check `json:"checks"`
	Config      map[string]any   `json:"config"`
	Suggestions []string         `json:"suggestions"`
}

// Run executes every probe against the given configuration.
func Run(cfg *config.Config, stats Stats) *Report {
	r := &Report{
		Status: "ok",
		Checks: make(map[string]Check),
		Config: map[string]any{
			"port":        cfg.Port,
			"wsPath":      cfg.WSPath,
			"dataDir":     cfg.DataDir,
			"env":         cfg.Env,
			"maxSessions": cfg.MaxSessions,
			"bufferCap":   cfg.BufferCap,
			"platform":    runtime.GOOS,
		},
		Suggestions: []string{},
	}

	r.Checks["server"] = Check{Status: "ok", Message: fmt.Sprintf("listening on port %d", cfg.Port)}
	r.Checks["websocket"] = Check{Status: "ok", Message: "path " + cfg.WSPath}
	r.Checks["sessionManager"] = checkShell(r)
	r.Checks["bufferManager"] = Check{Status: "ok", Message: fmt.Sprintf("%d bytes retained across %d sessions", stats.BufferedBytes, stats.Sessions)}

	if stats.PipelineEnabled {
		r.Checks["pipeline"] = Check{Status: "ok"}
	} else {
		r.Checks["pipeline"] = Check{Status: "warn", Message: "pipeline disabled; output is not filtered or redacted"}
		r.Suggestions = append(r.Suggestions, "enable the pipeline to get redaction and rate limiting")
	}

	r.Checks["storage"] = checkDataDir(cfg.DataDir, r)

	if cfg.MonitorAuthKey == "" {
		r.Suggestions = append(r.Suggestions, "set SHELLTENDER_MONITOR_AUTH_KEY to enable the monitor firehose")
	}

	for _, c := range r.Checks {
		switch c.Status {
		case "fail":
			r.Status = "fail"
		case "warn":
			if r.Status == "ok" {
				r.Status = "degraded"
			}
		}
	}
	return r
}

// checkShell verifies a usable shell exists, the same resolution order the
// session manager uses.
func checkShell(r *Report) Check {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	if _, err := exec.LookPath(shell); err != nil {
		r.Suggestions = append(r.Suggestions, fmt.Sprintf("install a shell or set $SHELL; %s is not runnable", shell))
		return Check{Status: "fail", Message: fmt.Sprintf("shell %s not found", shell)}
	}
	return Check{Status: "ok", Message: "shell " + shell}
}

// checkDataDir verifies the session store directory is writable.
func checkDataDir(dir string, r *Report) Check {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		r.Suggestions = append(r.Suggestions, "point SHELLTENDER_DATA_DIR at a writable directory")
		return Check{Status: "fail", Message: err.Error()}
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		r.Suggestions = append(r.Suggestions, "point SHELLTENDER_DATA_DIR at a writable directory")
		return Check{Status: "fail", Message: err.Error()}
	}
	os.Remove(probe)
	return Check{Status: "ok", Message: "data dir " + dir}
}
