package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/takutakahashi/kbterm/pkg/storage"
)

// fakeProber models the local port table: bound ports cannot be taken by
// FindFreePort, open ports answer probes.
type fakeProber struct {
	mu    sync.Mutex
	bound map[int]bool
	open  map[int]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{bound: make(map[int]bool), open: make(map[int]bool)}
}

func (p *fakeProber) IsPortOpen(_ context.Context, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[port]
}

func (p *fakeProber) FindFreePort(startPort, rangeSize int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := startPort; port < startPort+rangeSize; port++ {
		if !p.bound[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoPortAvailable, startPort, startPort+rangeSize-1)
}

func (p *fakeProber) listen(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound[port] = true
	p.open[port] = true
}

func (p *fakeProber) close(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bound, port)
	delete(p.open, port)
}

type fakeProcess struct {
	pid        int
	port       int
	prober     *fakeProber
	terminated atomic.Int32
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	p.prober.close(p.port)
	return nil
}

// fakeSupervisor "starts" a server by marking its port as listening.
type fakeSupervisor struct {
	prober *fakeProber
	delay  time.Duration

	mu        sync.Mutex
	failWith  error
	spawns    []SpawnSpec
	onExit    map[string]func(error)
	processes map[string]*fakeProcess
	nextPid   int
}

func newFakeSupervisor(prober *fakeProber) *fakeSupervisor {
	return &fakeSupervisor{
		prober:    prober,
		onExit:    make(map[string]func(error)),
		processes: make(map[string]*fakeProcess),
		nextPid:   1000,
	}
}

func (s *fakeSupervisor) Spawn(ctx context.Context, spec SpawnSpec, onExit func(error)) (Process, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawns = append(s.spawns, spec)
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.nextPid++
	proc := &fakeProcess{pid: s.nextPid, port: spec.Port, prober: s.prober}
	s.prober.listen(spec.Port)
	s.onExit[spec.SessionID] = onExit
	s.processes[spec.SessionID] = proc
	return proc, nil
}

func (s *fakeSupervisor) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *fakeSupervisor) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawns)
}

func (s *fakeSupervisor) process(id string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[id]
}

// exit simulates the server dying on its own.
func (s *fakeSupervisor) exit(id string) {
	s.mu.Lock()
	onExit := s.onExit[id]
	proc := s.processes[id]
	s.mu.Unlock()
	if proc != nil {
		s.prober.close(proc.port)
	}
	if onExit != nil {
		onExit(errors.New("signal: killed"))
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore wraps a MemoryStore and fails saves while failing is set.
type flakyStore struct {
	*storage.MemoryStore
	failing atomic.Bool
	saves   atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *flakyStore) Save(ctx context.Context, records []storage.Record) error {
	s.saves.Add(1)
	if s.failing.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, records)
}

type auditEntry struct {
	event  string
	id     string
	reason string
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *recordingAudit) LogSessionStart(sessionID, _ string, _ int, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{event: "start", id: sessionID})
	return nil
}

func (a *recordingAudit) LogSessionEnd(sessionID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{event: "end", id: sessionID, reason: reason})
	return nil
}

func (a *recordingAudit) endReason(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.event == "end" && e.id == id {
			return e.reason
		}
	}
	return ""
}
