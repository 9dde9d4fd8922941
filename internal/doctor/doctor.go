// Package doctor runs a battery of environment checks a daemon operator
// would want before starting TeleClaude for real: config genesis state,
// tmux availability (every agent runs inside a tmux pane, §2), the local
// API socket directory, the SQLite database path, and (when configured)
// reachability of the Redis cross-host transport.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-claw/internal/config"
)

// Status is one check's outcome.
type Status string

const (
	StatusOK   Status = "OK"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

// Result is one check's outcome and human-readable explanation.
type Result struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// SystemInfo describes the host the daemon is running on.
type SystemInfo struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Go   string `json:"go"`
}

// Diagnostic is the full doctor report.
type Diagnostic struct {
	Timestamp time.Time  `json:"timestamp"`
	Version   string     `json:"version"`
	System    SystemInfo `json:"system"`
	Results   []Result   `json:"results"`
}

// Run executes every check and returns the assembled report. cfg may carry
// NeedsGenesis=true (no config.yaml yet) — checks degrade to SKIP rather
// than panicking on a zero-value config in that case.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnostic {
	diag := Diagnostic{
		Timestamp: time.Now(),
		Version:   version,
		System: SystemInfo{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
			Go:   runtime.Version(),
		},
	}

	diag.Results = append(diag.Results, checkGenesis(cfg))
	diag.Results = append(diag.Results, checkTmux())
	diag.Results = append(diag.Results, checkHomeDir(cfg))
	diag.Results = append(diag.Results, checkSocketDir(cfg))
	diag.Results = append(diag.Results, checkDBPath(cfg))
	diag.Results = append(diag.Results, checkRedis(ctx, cfg))

	return diag
}

func checkGenesis(cfg *config.Config) Result {
	if cfg.NeedsGenesis {
		return Result{Name: "config", Status: StatusWarn, Message: "no config.yaml found", Detail: "run the daemon once to generate defaults, or write " + config.ConfigPath(cfg.HomeDir)}
	}
	return Result{Name: "config", Status: StatusOK, Message: "config.yaml loaded"}
}

func checkTmux() Result {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return Result{Name: "tmux", Status: StatusFail, Message: "tmux not found on PATH", Detail: "agents run as tmux panes; install tmux"}
	}
	return Result{Name: "tmux", Status: StatusOK, Message: path}
}

func checkHomeDir(cfg *config.Config) Result {
	if cfg.HomeDir == "" {
		return Result{Name: "home_dir", Status: StatusSkip, Message: "unknown (genesis pending)"}
	}
	info, err := os.Stat(cfg.HomeDir)
	if err != nil {
		return Result{Name: "home_dir", Status: StatusFail, Message: "cannot stat " + cfg.HomeDir, Detail: err.Error()}
	}
	if !info.IsDir() {
		return Result{Name: "home_dir", Status: StatusFail, Message: cfg.HomeDir + " is not a directory"}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Result{Name: "home_dir", Status: StatusFail, Message: "home dir not writable", Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return Result{Name: "home_dir", Status: StatusOK, Message: cfg.HomeDir}
}

func checkSocketDir(cfg *config.Config) Result {
	path := cfg.Transport.SocketPath
	if path == "" {
		path = "/tmp/teleclaude-api.sock"
	}
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Result{Name: "socket_dir", Status: StatusFail, Message: "socket directory unavailable: " + dir}
	}
	return Result{Name: "socket_dir", Status: StatusOK, Message: path}
}

func checkDBPath(cfg *config.Config) Result {
	if cfg.HomeDir == "" {
		return Result{Name: "database", Status: StatusSkip, Message: "unknown (genesis pending)"}
	}
	dbPath := filepath.Join(cfg.HomeDir, "teleclaude.db")
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return Result{Name: "database", Status: StatusWarn, Message: "not created yet", Detail: dbPath}
		}
		return Result{Name: "database", Status: StatusFail, Message: "cannot stat " + dbPath, Detail: err.Error()}
	}
	return Result{Name: "database", Status: StatusOK, Message: dbPath}
}

func checkRedis(ctx context.Context, cfg *config.Config) Result {
	if !cfg.Transport.RedisEnabled {
		return Result{Name: "redis", Status: StatusSkip, Message: "cross-host transport disabled"}
	}
	addr := cfg.Transport.RedisAddr
	if addr == "" {
		return Result{Name: "redis", Status: StatusFail, Message: "redis_enabled but redis_addr is empty"}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return Result{Name: "redis", Status: StatusFail, Message: fmt.Sprintf("cannot reach %s", addr), Detail: err.Error()}
	}
	_ = conn.Close()
	return Result{Name: "redis", Status: StatusOK, Message: addr}
}
