// Package runtime owns the external agent runtime process and hands out
// per-directory API clients. One process serves all tasks; clients are cached
// by normalized working directory and dropped when the process stops.
package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/pkg/opencode"
)

const (
	defaultHostname       = "127.0.0.1"
	defaultBinary         = "opencode"
	defaultStartupTimeout = 120 * time.Second

	// serverReadyMarker is printed by the agent runtime once its HTTP server
	// is accepting connections. The base URL follows the marker.
	serverReadyMarker = "opencode server listening on "

	// forceKillGrace is how long Stop waits after escalating to SIGKILL.
	forceKillGrace = 2 * time.Second
)

// ErrNotRunning is returned when a client is requested before Start.
var ErrNotRunning = errors.New("agent runtime is not running")

// Runtime supervises the agent runtime server process.
type Runtime struct {
	cfg       config.ARConfig
	logger    *logger.Logger
	startLog  *logger.Logger
	clientLog *logger.Logger

	group singleflight.Group

	mu      sync.Mutex
	inst    *instance
	clients map[string]*opencode.Client
}

// instance is one running agent runtime process.
type instance struct {
	cmd      *exec.Cmd
	baseURL  string
	password string
	exited   chan struct{}
	stopping atomic.Bool
}

func (i *instance) alive() bool {
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

// New creates a runtime handle. The process is not started until Start.
func New(cfg config.ARConfig, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		cfg:       cfg,
		logger:    log,
		startLog:  log.WithSource("ar-runtime.start"),
		clientLog: log.WithSource("ar-runtime.client"),
		clients:   make(map[string]*opencode.Client),
	}
}

// Start launches the agent runtime process and waits until it is healthy.
// Idempotent: when an instance is already running it returns immediately, and
// concurrent callers share a single in-flight launch.
func (r *Runtime) Start(ctx context.Context) error {
	_, err, _ := r.group.Do("start", func() (any, error) {
		r.mu.Lock()
		running := r.inst != nil && r.inst.alive()
		r.mu.Unlock()
		if running {
			return nil, nil
		}

		inst, err := r.launch(ctx)
		if err != nil {
			r.startLog.Error("failed to start agent runtime", zap.Error(err))
			return nil, err
		}

		r.mu.Lock()
		r.inst = inst
		r.mu.Unlock()

		r.startLog.Info("agent runtime ready",
			zap.String("base_url", inst.baseURL),
			zap.Int("pid", inst.cmd.Process.Pid))
		return nil, nil
	})
	return err
}

// launch spawns the process, scans stdout for the listening line, and polls
// health, all within the configured startup budget.
func (r *Runtime) launch(ctx context.Context) (*instance, error) {
	hostname := r.cfg.Hostname
	if hostname == "" {
		hostname = defaultHostname
	}
	binary := r.cfg.Binary
	if binary == "" {
		binary = defaultBinary
	}

	port := r.cfg.Port
	if port == 0 {
		allocated, err := allocatePort(hostname)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate port: %w", err)
		}
		port = allocated
	}

	password, err := opencode.GenerateServerPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to generate server password: %w", err)
	}

	// exec.Command rather than CommandContext: context cancellation would
	// SIGKILL the child and skip the graceful stop path.
	cmd := exec.Command(binary,
		"serve",
		"--hostname", hostname,
		"--port", strconv.Itoa(port),
		"--print-logs",
	)
	cmd.Env = append(os.Environ(), "OPENCODE_SERVER_PASSWORD="+password)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	inst := &instance{
		cmd:      cmd,
		password: password,
		exited:   make(chan struct{}),
	}

	r.startLog.Info("agent runtime process started",
		zap.String("binary", binary),
		zap.String("hostname", hostname),
		zap.Int("port", port),
		zap.Int("pid", cmd.Process.Pid))

	ready := make(chan string, 1)
	go r.scanOutput("stdout", stdout, ready)
	go r.scanOutput("stderr", stderr, nil)
	go r.monitorExit(inst)

	timeout := r.cfg.StartupTimeout()
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var baseURL string
	select {
	case baseURL = <-ready:
	case <-inst.exited:
		r.kill(inst)
		return nil, fmt.Errorf("agent runtime exited during startup")
	case <-startCtx.Done():
		r.kill(inst)
		return nil, fmt.Errorf("timed out waiting for agent runtime address: %w", startCtx.Err())
	}

	health := opencode.NewClient(baseURL, "", password, r.logger)
	defer health.Close()
	if err := health.WaitForHealth(startCtx); err != nil {
		r.kill(inst)
		return nil, fmt.Errorf("agent runtime failed health check: %w", err)
	}

	inst.baseURL = baseURL
	return inst, nil
}

// Stop terminates the process group and clears the client cache. Safe to call
// on a runtime that was never started.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	inst := r.inst
	clients := r.clients
	r.inst = nil
	r.clients = make(map[string]*opencode.Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if inst == nil {
		return nil
	}
	return r.shutdown(ctx, inst)
}

// Restart stops any running instance and starts a fresh one.
func (r *Runtime) Restart(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil {
		r.logger.Warn("stop during restart failed", zap.Error(err))
	}
	return r.Start(ctx)
}

// IsRunning reports whether a live instance exists.
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst != nil && r.inst.alive()
}

// BaseURL returns the running instance's base URL, or "" when stopped.
func (r *Runtime) BaseURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst == nil {
		return ""
	}
	return r.inst.baseURL
}

// GetClient returns the API client bound to a working directory. Clients are
// cached by normalized absolute path; the cache lives until Stop.
func (r *Runtime) GetClient(directory string) (*opencode.Client, error) {
	norm, err := normalizeDirectory(directory)
	if err != nil {
		r.clientLog.Error("failed to resolve client directory",
			zap.String("directory", directory),
			zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inst == nil || !r.inst.alive() {
		r.clientLog.Error("client requested while runtime is down",
			zap.String("directory", norm))
		return nil, ErrNotRunning
	}
	if client, ok := r.clients[norm]; ok {
		return client, nil
	}

	client := opencode.NewClient(r.inst.baseURL, norm, r.inst.password, r.logger)
	r.clients[norm] = client
	return client, nil
}

// shutdown terminates the process group, escalating to SIGKILL when the
// context expires before the process exits.
func (r *Runtime) shutdown(ctx context.Context, inst *instance) error {
	if !inst.alive() {
		return nil
	}
	inst.stopping.Store(true)
	pid := inst.cmd.Process.Pid

	r.logger.Info("stopping agent runtime", zap.Int("pid", pid))
	if err := terminateProcessGroup(pid); err != nil {
		r.logger.Warn("failed to terminate process group, killing", zap.Error(err))
		_ = killProcessGroup(pid)
	}

	select {
	case <-inst.exited:
		return nil
	case <-ctx.Done():
		r.logger.Warn("graceful shutdown timed out, killing process group", zap.Int("pid", pid))
		_ = killProcessGroup(pid)
		select {
		case <-inst.exited:
			return nil
		case <-time.After(forceKillGrace):
			return fmt.Errorf("agent runtime did not exit after kill")
		}
	}
}

// kill force-terminates an instance that failed to start.
func (r *Runtime) kill(inst *instance) {
	inst.stopping.Store(true)
	if inst.cmd.Process != nil {
		_ = killProcessGroup(inst.cmd.Process.Pid)
	}
	select {
	case <-inst.exited:
	case <-time.After(forceKillGrace):
	}
}

// scanOutput logs each process output line. When ready is non-nil the lines
// are also scanned for the listening marker and the base URL is sent once.
func (r *Runtime) scanOutput(stream string, pipe io.Reader, ready chan<- string) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	found := false
	for scanner.Scan() {
		line := scanner.Text()
		r.logger.Debug(line, zap.String("stream", stream))

		if ready == nil || found {
			continue
		}
		if idx := strings.Index(line, serverReadyMarker); idx >= 0 {
			rest := strings.Fields(line[idx+len(serverReadyMarker):])
			if len(rest) > 0 {
				found = true
				ready <- strings.TrimRight(rest[0], "/")
			}
		}
	}
}

// monitorExit reaps the process and signals waiters.
func (r *Runtime) monitorExit(inst *instance) {
	err := inst.cmd.Wait()
	if !inst.stopping.Load() {
		if err != nil {
			r.logger.Error("agent runtime exited unexpectedly", zap.Error(err))
		} else {
			r.logger.Warn("agent runtime exited")
		}
	}
	close(inst.exited)
}

// allocatePort asks the OS for a free TCP port on the host.
func allocatePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// normalizeDirectory resolves a directory to a clean absolute path, following
// symlinks when the path exists.
func normalizeDirectory(directory string) (string, error) {
	directory = strings.TrimSpace(directory)
	if directory == "" {
		return "", fmt.Errorf("directory is required")
	}
	abs, err := filepath.Abs(directory)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory %q: %w", directory, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}
