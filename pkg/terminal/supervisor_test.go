package terminal

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeTtyd installs a script that records its argv and environment and
// then idles like a server would.
func writeFakeTtyd(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "invocation.txt")
	script := filepath.Join(dir, "ttyd")
	body := "#!/bin/sh\n" +
		"echo \"args=$*\" > " + out + "\n" +
		"echo \"pwd=$(pwd)\" >> " + out + "\n" +
		"echo \"term=$TERM shell=$SHELL\" >> " + out + "\n" +
		"echo listening\n" +
		"exec sleep 30\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))
	return script, out
}

func TestTtydSupervisor_BuildArgs(t *testing.T) {
	s := NewTtydSupervisor(nil)
	assert.Equal(t, []string{"-i", "0.0.0.0", "-p", "7681", "-W", "bash"}, s.buildArgs(7681))

	s.BindAddress = "127.0.0.1"
	s.Shell = "/bin/zsh"
	s.ClientOptions = []string{"fontSize=14", "titleFixed=Terminal Session"}
	assert.Equal(t, []string{
		"-i", "127.0.0.1", "-p", "7690", "-W",
		"-t", "fontSize=14", "-t", "titleFixed=Terminal Session",
		"/bin/zsh",
	}, s.buildArgs(7690))
}

func TestTtydSupervisor_BuildEnvironment(t *testing.T) {
	t.Setenv("KBTERM_SUPERVISOR_TEST", "1")
	s := NewTtydSupervisor(nil)
	s.Shell = "/bin/bash"

	env := s.buildEnvironment()
	assert.Contains(t, env, "KBTERM_SUPERVISOR_TEST=1")
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Contains(t, env, "SHELL=/bin/bash")
	// Later entries win for exec, so the overrides must come last.
	assert.Equal(t, "SHELL=/bin/bash", env[len(env)-1])
}

func TestTtydSupervisor_BuildEnvironmentResolvesShell(t *testing.T) {
	sh, err := exec.LookPath("sh")
	require.NoError(t, err)
	sh, err = filepath.Abs(sh)
	require.NoError(t, err)

	s := NewTtydSupervisor(nil)
	s.Shell = "sh"
	env := s.buildEnvironment()
	assert.Equal(t, "SHELL="+sh, env[len(env)-1])
	// The command line keeps the configured name.
	assert.Equal(t, "sh", s.buildArgs(7681)[5])

	s.Shell = "no-such-shell-kbterm"
	env = s.buildEnvironment()
	assert.Equal(t, "SHELL=no-such-shell-kbterm", env[len(env)-1])
}

func TestTtydSupervisor_Available(t *testing.T) {
	script, _ := writeFakeTtyd(t)
	s := NewTtydSupervisor(nil)
	s.TtydPath = script
	assert.True(t, s.Available())

	s.TtydPath = filepath.Join(t.TempDir(), "missing-ttyd")
	assert.False(t, s.Available())
}

func TestTtydSupervisor_SpawnAndTerminate(t *testing.T) {
	script, out := writeFakeTtyd(t)
	workDir := t.TempDir()
	prober := newFakeProber()
	prober.listen(7700)

	s := NewTtydSupervisor(prober)
	s.TtydPath = script
	s.SettleDelay = 200 * time.Millisecond

	exited := make(chan error, 1)
	proc, err := s.Spawn(context.Background(), SpawnSpec{SessionID: "s1", Port: 7700, WorkingDirectory: workDir}, func(err error) {
		exited <- err
	})
	require.NoError(t, err)
	require.NotNil(t, proc)
	assert.Greater(t, proc.Pid(), 0)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(workDir)
	require.NoError(t, err)
	assert.Contains(t, string(data), "args=-i 0.0.0.0 -p 7700 -W bash")
	assert.Contains(t, string(data), "pwd="+resolved)
	assert.Contains(t, string(data), "term=xterm-256color shell="+s.shellPath())

	require.NoError(t, proc.Terminate())
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("onExit was not called after Terminate")
	}

	// Terminating an exited process is harmless.
	assert.NoError(t, proc.Terminate())
}

// processGone reports whether pid no longer runs. Zombies count as gone.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestTtydSupervisor_TerminateSignalsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	childPid := filepath.Join(dir, "child.pid")
	script := filepath.Join(dir, "ttyd")
	body := "#!/bin/sh\n" +
		"sleep 30 &\n" +
		"echo $! > " + childPid + "\n" +
		"wait\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))

	prober := newFakeProber()
	prober.listen(7701)
	s := NewTtydSupervisor(prober)
	s.TtydPath = script
	s.SettleDelay = 200 * time.Millisecond

	exited := make(chan error, 1)
	proc, err := s.Spawn(context.Background(), SpawnSpec{SessionID: "s1", Port: 7701, WorkingDirectory: dir}, func(err error) {
		exited <- err
	})
	require.NoError(t, err)

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(childPid)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, proc.Terminate())
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("onExit was not called after Terminate")
	}
	assert.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 20*time.Millisecond,
		"child %d of ttyd survived termination", pid)
}

func TestTtydSupervisor_SpawnFailsWhenPortNeverOpens(t *testing.T) {
	script, _ := writeFakeTtyd(t)
	s := NewTtydSupervisor(newFakeProber())
	s.TtydPath = script
	s.SettleDelay = 50 * time.Millisecond

	exited := make(chan struct{})
	proc, err := s.Spawn(context.Background(), SpawnSpec{SessionID: "s1", Port: 7701}, func(error) {
		close(exited)
	})
	assert.Nil(t, proc)
	assert.ErrorIs(t, err, ErrSpawnFailed)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child was not killed after failed start")
	}
}

func TestTtydSupervisor_SpawnMissingBinary(t *testing.T) {
	s := NewTtydSupervisor(newFakeProber())
	s.TtydPath = filepath.Join(t.TempDir(), "missing-ttyd")

	_, err := s.Spawn(context.Background(), SpawnSpec{SessionID: "s1", Port: 7702}, nil)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestTtydSupervisor_SpawnHonoursContext(t *testing.T) {
	script, _ := writeFakeTtyd(t)
	prober := newFakeProber()
	prober.listen(7703)
	s := NewTtydSupervisor(prober)
	s.TtydPath = script
	s.SettleDelay = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Spawn(ctx, SpawnSpec{SessionID: "s1", Port: 7703}, nil)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLineLogger(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	l := newLineLogger(7680, "error: ")
	n, err := l.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	_, _ = l.Write([]byte("half\r\n\n"))
	_, _ = l.Write([]byte("tail"))
	l.Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[TTYD] port 7680: error: first line")
	assert.Contains(t, lines[1], "[TTYD] port 7680: error: second half")
	assert.Contains(t, lines[2], "[TTYD] port 7680: error: tail")
}
