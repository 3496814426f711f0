package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultSettleDelay is how long a freshly spawned ttyd gets before its
	// port is probed.
	DefaultSettleDelay = 2 * time.Second
	DefaultTtydPath    = "ttyd"
	DefaultShell       = "bash"
	DefaultTerm        = "xterm-256color"
	DefaultBindAddress = "0.0.0.0"
)

// SpawnSpec describes one terminal server to launch.
type SpawnSpec struct {
	SessionID        string
	Port             int
	WorkingDirectory string
}

// Process is the registry's handle on a running terminal server.
type Process interface {
	Pid() int
	// Terminate sends SIGTERM and returns without waiting for exit.
	Terminate() error
}

// Supervisor launches terminal servers and reports their exit.
type Supervisor interface {
	// Spawn starts a server and blocks until it is confirmed reachable or has
	// failed. onExit is called once, from another goroutine, when the process
	// exits.
	Spawn(ctx context.Context, spec SpawnSpec, onExit func(error)) (Process, error)
}

// TtydSupervisor runs ttyd child processes.
type TtydSupervisor struct {
	TtydPath      string
	Shell         string
	Term          string
	BindAddress   string
	ClientOptions []string
	SettleDelay   time.Duration
	Prober        Prober
	Verbose       bool
}

// NewTtydSupervisor creates a supervisor with defaults filled in.
func NewTtydSupervisor(prober Prober) *TtydSupervisor {
	return &TtydSupervisor{
		TtydPath:    DefaultTtydPath,
		Shell:       DefaultShell,
		Term:        DefaultTerm,
		BindAddress: DefaultBindAddress,
		SettleDelay: DefaultSettleDelay,
		Prober:      prober,
	}
}

// Available reports whether the ttyd binary can be found.
func (s *TtydSupervisor) Available() bool {
	_, err := exec.LookPath(s.ttydPath())
	return err == nil
}

func (s *TtydSupervisor) ttydPath() string {
	if s.TtydPath == "" {
		return DefaultTtydPath
	}
	return s.TtydPath
}

func (s *TtydSupervisor) shell() string {
	if s.Shell == "" {
		return DefaultShell
	}
	return s.Shell
}

// buildArgs returns the ttyd command line for a port.
func (s *TtydSupervisor) buildArgs(port int) []string {
	bind := s.BindAddress
	if bind == "" {
		bind = DefaultBindAddress
	}
	args := []string{"-i", bind, "-p", strconv.Itoa(port), "-W"}
	for _, opt := range s.ClientOptions {
		args = append(args, "-t", opt)
	}
	return append(args, s.shell())
}

// shellPath resolves the shell to an absolute path for SHELL, falling back to
// the configured value when it is not on PATH.
func (s *TtydSupervisor) shellPath() string {
	path, err := exec.LookPath(s.shell())
	if err != nil {
		return s.shell()
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// buildEnvironment layers the terminal variables over the parent environment.
func (s *TtydSupervisor) buildEnvironment() []string {
	term := s.Term
	if term == "" {
		term = DefaultTerm
	}
	env := os.Environ()
	env = append(env, "TERM="+term, "SHELL="+s.shellPath())
	return env
}

// Spawn starts ttyd, waits for the settle delay and probes the port.
func (s *TtydSupervisor) Spawn(ctx context.Context, spec SpawnSpec, onExit func(error)) (Process, error) {
	cmd := exec.Command(s.ttydPath(), s.buildArgs(spec.Port)...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = s.buildEnvironment()
	// Own process group so ttyd outlives an interrupted server and can be re-adopted.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout := newLineLogger(spec.Port, "")
	stderr := newLineLogger(spec.Port, "error: ")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ttyd on port %d: %v", ErrSpawnFailed, spec.Port, err)
	}

	proc := &ttydProcess{cmd: cmd, done: make(chan struct{})}
	if s.Verbose {
		log.Printf("ttyd started for session %s (PID: %d, Port: %d)", spec.SessionID, cmd.Process.Pid, spec.Port)
	}

	go func() {
		var waitErr error
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Recovered from panic in cmd.Wait() for session %s: %v", spec.SessionID, r)
				waitErr = fmt.Errorf("panic in cmd.Wait(): %v", r)
			}
			stdout.Flush()
			stderr.Flush()
			close(proc.done)
			log.Printf("ttyd process for session %s exited: %v", spec.SessionID, waitErr)
			if onExit != nil {
				onExit(waitErr)
			}
		}()
		waitErr = cmd.Wait()
	}()

	delay := s.SettleDelay
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		proc.kill()
		return nil, fmt.Errorf("%w: session %s: %v", ErrSpawnFailed, spec.SessionID, ctx.Err())
	case <-timer.C:
	}

	if s.Prober == nil || !s.Prober.IsPortOpen(ctx, spec.Port) {
		proc.kill()
		return nil, fmt.Errorf("%w: ttyd failed to start on port %d", ErrSpawnFailed, spec.Port)
	}
	return proc, nil
}

type ttydProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *ttydProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM to the ttyd process group, falling back to the
// process itself.
func (p *ttydProcess) Terminate() error {
	if err := syscall.Kill(-p.Pid(), syscall.SIGTERM); err == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", p.Pid(), err)
	}
	return nil
}

func (p *ttydProcess) kill() {
	if err := syscall.Kill(-p.Pid(), syscall.SIGKILL); err == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("Failed to kill process %d: %v", p.Pid(), err)
	}
}

// lineLogger forwards child output to the log one line at a time.
type lineLogger struct {
	mu     sync.Mutex
	port   int
	prefix string
	buf    bytes.Buffer
}

func newLineLogger(port int, prefix string) *lineLogger {
	return &lineLogger{port: port, prefix: prefix}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			l.buf.Reset()
			l.buf.Write(line)
			break
		}
		l.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.Bytes())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	log.Printf("[TTYD] port %d: %s%s", l.port, l.prefix, line)
}
