package terminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/takutakahashi/kbterm/pkg/storage"
)

const (
	DefaultBasePort            = 7680
	DefaultPortRange           = 100
	DefaultMaxSessionsPerOwner = 3
	DefaultSessionTimeout      = 30 * time.Minute

	exitQueueSize = 128
)

// Reasons passed to the audit logger when a session ends.
const (
	EndReasonTerminated = "terminated"
	EndReasonExpired    = "expired"
	EndReasonEvicted    = "evicted"
	EndReasonShutdown   = "shutdown"
)

// AuditLogger records session lifecycle events.
type AuditLogger interface {
	LogSessionStart(sessionID, owner string, port int, workingDirectory string) error
	LogSessionEnd(sessionID, reason string) error
}

// Options configures a Registry. Prober, Supervisor and Store are required.
type Options struct {
	Prober     Prober
	Supervisor Supervisor
	Store      storage.Store
	Audit      AuditLogger

	// Clock and NewID default to time.Now and uuid.New. NewID is called
	// with the registry lock held.
	Clock func() time.Time
	NewID func() string

	BasePort            int
	PortRange           int
	MaxSessionsPerOwner int
	SessionTimeout      time.Duration
	WorkingDirectory    string
	Verbose             bool
}

// PersistStatus summarizes snapshot writes since the registry was created.
type PersistStatus struct {
	Failures    int       `json:"failures"`
	LastError   string    `json:"lastError,omitempty"`
	LastSavedAt time.Time `json:"lastSavedAt"`
}

type exitEvent struct {
	sessionID string
	err       error
}

type persistSnapshot struct {
	seq     uint64
	records []storage.Record
}

// Registry owns every terminal session: port allocation, ttyd processes,
// per-owner quotas, expiry and persistence.
type Registry struct {
	prober     Prober
	supervisor Supervisor
	store      storage.Store
	audit      AuditLogger
	now        func() time.Time
	newID      func() string

	basePort         int
	portRange        int
	maxPerOwner      int
	sessionTimeout   time.Duration
	workingDirectory string
	verbose          bool

	mu       sync.Mutex
	sessions map[string]*session
	owners   map[string][]string
	reserved map[int]struct{}
	seq      uint64

	ownerLocks *keyedMutex
	exits      chan exitEvent

	persistMu   sync.Mutex
	lastWritten uint64
	status      PersistStatus
}

// NewRegistry creates a Registry with defaults applied to unset options.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if opts.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	r := &Registry{
		prober:           opts.Prober,
		supervisor:       opts.Supervisor,
		store:            opts.Store,
		audit:            opts.Audit,
		now:              opts.Clock,
		newID:            opts.NewID,
		basePort:         opts.BasePort,
		portRange:        opts.PortRange,
		maxPerOwner:      opts.MaxSessionsPerOwner,
		sessionTimeout:   opts.SessionTimeout,
		workingDirectory: opts.WorkingDirectory,
		verbose:          opts.Verbose,
		sessions:         make(map[string]*session),
		owners:           make(map[string][]string),
		reserved:         make(map[int]struct{}),
		ownerLocks:       newKeyedMutex(),
		exits:            make(chan exitEvent, exitQueueSize),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	if r.basePort <= 0 {
		r.basePort = DefaultBasePort
	}
	if r.portRange <= 0 {
		r.portRange = DefaultPortRange
	}
	if r.maxPerOwner <= 0 {
		r.maxPerOwner = DefaultMaxSessionsPerOwner
	}
	if r.sessionTimeout <= 0 {
		r.sessionTimeout = DefaultSessionTimeout
	}
	if r.workingDirectory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		r.workingDirectory = wd
	}
	return r, nil
}

// GetOrCreateSession returns a live session for owner, reusing the first
// fresh active one or starting a new ttyd.
func (r *Registry) GetOrCreateSession(ctx context.Context, owner string) (Session, error) {
	r.Sweep()

	unlock := r.ownerLocks.Lock(owner)
	defer unlock()
	// Exits may have arrived while waiting for the owner lock.
	r.drainExits()

	if reused, snap, ok := r.reuse(owner); ok {
		log.Printf("[SESSION_REUSED] ID: %s, Port: %d, User: %s", reused.ID, reused.Port, owner)
		r.persist(snap)
		return reused, nil
	}

	port, err := r.reservePort()
	if err != nil {
		log.Printf("Failed to allocate port for %s: %v", owner, err)
		return Session{}, &CreationError{Owner: owner, Err: err}
	}

	r.mu.Lock()
	id := r.newID()
	r.mu.Unlock()
	proc, err := r.supervisor.Spawn(ctx, SpawnSpec{
		SessionID:        id,
		Port:             port,
		WorkingDirectory: r.workingDirectory,
	}, r.exitHandler(id))
	if err != nil {
		r.releasePort(port)
		if !errors.Is(err, ErrSpawnFailed) {
			err = fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		log.Printf("Failed to start terminal session %s for %s: %v", id, owner, err)
		return Session{}, &CreationError{Owner: owner, Err: err}
	}

	r.mu.Lock()
	delete(r.reserved, port)
	now := r.now()
	s := &session{
		id:               id,
		owner:            owner,
		port:             port,
		workingDirectory: r.workingDirectory,
		createdAt:        now,
		lastAccessed:     now,
		active:           true,
		process:          proc,
	}
	r.sessions[id] = s
	r.owners[owner] = append(r.owners[owner], id)
	evicted := r.evictLocked(owner)
	created := s.snapshot()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	log.Printf("[SESSION_CREATED] ID: %s, Port: %d, User: %s, Dir: %s", id, port, owner, r.workingDirectory)
	if r.audit != nil {
		if err := r.audit.LogSessionStart(id, owner, port, r.workingDirectory); err != nil {
			log.Printf("Failed to log session start for %s: %v", id, err)
		}
	}
	for _, e := range evicted {
		log.Printf("[SESSION_EVICTED] ID: %s, Port: %d, User: %s", e.id, e.port, owner)
		r.finish(e, EndReasonEvicted)
	}

	r.persist(snap)
	return created, nil
}

// reuse bumps and returns the first fresh active session of owner.
func (r *Registry) reuse(owner string) (Session, persistSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, id := range r.owners[owner] {
		s := r.sessions[id]
		if s == nil || !s.active || now.Sub(s.lastAccessed) >= r.sessionTimeout {
			continue
		}
		// lastAccessed is strictly increasing across reuses.
		if !now.After(s.lastAccessed) {
			now = s.lastAccessed.Add(time.Nanosecond)
		}
		s.lastAccessed = now
		return s.snapshot(), r.snapshotLocked(), true
	}
	return Session{}, persistSnapshot{}, false
}

// reservePort asks the prober for a free port, skipping ports that belong
// to known sessions or to creations still in flight.
func (r *Registry) reservePort() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := make(map[int]struct{}, len(r.sessions)+len(r.reserved))
	for _, s := range r.sessions {
		held[s.port] = struct{}{}
	}
	for p := range r.reserved {
		held[p] = struct{}{}
	}

	end := r.basePort + r.portRange
	start := r.basePort
	for start < end {
		port, err := r.prober.FindFreePort(start, end-start)
		if err != nil {
			if !errors.Is(err, ErrNoPortAvailable) {
				err = fmt.Errorf("%w: %v", ErrNoPortAvailable, err)
			}
			return 0, err
		}
		if _, taken := held[port]; !taken {
			r.reserved[port] = struct{}{}
			return port, nil
		}
		start = port + 1
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoPortAvailable, r.basePort, end-1)
}

func (r *Registry) releasePort(port int) {
	r.mu.Lock()
	delete(r.reserved, port)
	r.mu.Unlock()
}

// evictLocked removes the oldest-created sessions of owner until the quota
// holds and returns them for signalling.
func (r *Registry) evictLocked(owner string) []*session {
	var evicted []*session
	for len(r.owners[owner]) > r.maxPerOwner {
		var oldest *session
		for _, id := range r.owners[owner] {
			s := r.sessions[id]
			if oldest == nil || s.createdAt.Before(oldest.createdAt) {
				oldest = s
			}
		}
		r.removeLocked(oldest.id)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// removeLocked drops a session from both indexes.
func (r *Registry) removeLocked(id string) *session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)

	ids := r.owners[s.owner]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.owners, s.owner)
	} else {
		r.owners[s.owner] = ids
	}
	return s
}

// finish signals the process of a removed session and records its end.
// Termination is the only path that signals a process and clears its handle.
func (r *Registry) finish(s *session, reason string) {
	if s.process != nil {
		if err := s.process.Terminate(); err != nil {
			log.Printf("Failed to terminate ttyd for session %s: %v", s.id, err)
		} else if r.verbose {
			log.Printf("Sent SIGTERM to ttyd for session %s (PID: %d)", s.id, s.process.Pid())
		}
		s.process = nil
	}
	s.active = false
	if r.audit != nil {
		if err := r.audit.LogSessionEnd(s.id, reason); err != nil {
			log.Printf("Failed to log session end for %s: %v", s.id, err)
		}
	}
}

// TerminateSession stops and forgets a session. Unknown ids are a no-op and
// report false.
func (r *Registry) TerminateSession(id string) bool {
	r.drainExits()

	r.mu.Lock()
	s := r.removeLocked(id)
	if s == nil {
		r.mu.Unlock()
		return false
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	log.Printf("[SESSION_TERMINATED] ID: %s, Port: %d, User: %s", s.id, s.port, s.owner)
	r.finish(s, EndReasonTerminated)
	r.persist(snap)
	return true
}

// TerminateOwner stops every session of owner and returns how many there were.
func (r *Registry) TerminateOwner(owner string) int {
	r.drainExits()

	r.mu.Lock()
	ids := append([]string(nil), r.owners[owner]...)
	removed := make([]*session, 0, len(ids))
	for _, id := range ids {
		if s := r.removeLocked(id); s != nil {
			removed = append(removed, s)
		}
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	for _, s := range removed {
		log.Printf("[SESSION_TERMINATED] ID: %s, Port: %d, User: %s", s.id, s.port, s.owner)
		r.finish(s, EndReasonTerminated)
	}
	r.persist(snap)
	return len(removed)
}

// GetSessionsByOwner returns owner's sessions, active and stale, in
// registration order. It does not probe.
func (r *Registry) GetSessionsByOwner(owner string) []Session {
	r.drainExits()

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Session, 0, len(r.owners[owner]))
	for _, id := range r.owners[owner] {
		if s := r.sessions[id]; s != nil {
			result = append(result, s.snapshot())
		}
	}
	return result
}

// Get returns the session with id.
func (r *Registry) Get(id string) (Session, bool) {
	r.drainExits()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// List returns every session ordered by creation time.
func (r *Registry) List() []Session {
	r.drainExits()

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Session, 0, len(r.sessions))
	for _, s := range r.orderedLocked() {
		result = append(result, s.snapshot())
	}
	return result
}

// Sweep terminates every session idle for at least the session timeout and
// returns how many were removed.
func (r *Registry) Sweep() int {
	r.drainExits()

	r.mu.Lock()
	now := r.now()
	var expired []*session
	for _, s := range r.orderedLocked() {
		if now.Sub(s.lastAccessed) >= r.sessionTimeout {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		r.removeLocked(s.id)
	}
	var snap persistSnapshot
	if len(expired) > 0 {
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	for _, s := range expired {
		log.Printf("[SESSION_EXPIRED] ID: %s, Port: %d, User: %s, Idle: %v",
			s.id, s.port, s.owner, now.Sub(s.lastAccessed).Round(time.Second))
		r.finish(s, EndReasonExpired)
	}
	r.persist(snap)
	return len(expired)
}

// Restore loads the persisted snapshot and re-validates each session by
// probing its port. Unreachable sessions come back stale. A missing or
// unreadable snapshot is treated as empty. It returns the number of
// sessions registered.
func (r *Registry) Restore(ctx context.Context) int {
	records, err := r.store.Load(ctx)
	if err != nil {
		perr := &PersistenceError{Op: "load", Err: err}
		log.Printf("[PERSIST] %v", perr)
		r.recordPersistResult(perr)
		return 0
	}

	restored := 0
	for _, rec := range records {
		if rec.ID == "" || rec.Port <= 0 {
			continue
		}
		active := r.prober.IsPortOpen(ctx, rec.Port)

		r.mu.Lock()
		if _, exists := r.sessions[rec.ID]; exists || r.portHeldLocked(rec.Port) {
			r.mu.Unlock()
			log.Printf("Skipping restored session %s: id or port %d already registered", rec.ID, rec.Port)
			continue
		}
		s := sessionFromRecord(rec, active)
		r.sessions[s.id] = s
		r.owners[s.owner] = append(r.owners[s.owner], s.id)
		r.mu.Unlock()

		restored++
		if active {
			log.Printf("[SESSION_RESTORED] ID: %s, Port: %d, User: %s", s.id, s.port, s.owner)
		} else {
			log.Printf("[SESSION_STALE] ID: %s, Port: %d, User: %s (port not reachable)", s.id, s.port, s.owner)
		}
	}
	return restored
}

// Reconcile probes active sessions and demotes unreachable ones to stale.
// Stale sessions are never promoted. It returns the number demoted.
func (r *Registry) Reconcile(ctx context.Context) int {
	r.drainExits()

	type target struct {
		id   string
		port int
	}
	r.mu.Lock()
	var targets []target
	for _, s := range r.orderedLocked() {
		if s.active {
			targets = append(targets, target{id: s.id, port: s.port})
		}
	}
	r.mu.Unlock()

	var unreachable []target
	for _, t := range targets {
		if !r.prober.IsPortOpen(ctx, t.port) {
			unreachable = append(unreachable, t)
		}
	}
	if len(unreachable) == 0 {
		return 0
	}

	r.mu.Lock()
	demoted := 0
	for _, t := range unreachable {
		s, ok := r.sessions[t.id]
		if !ok || !s.active || s.port != t.port {
			continue
		}
		s.active = false
		demoted++
		log.Printf("[SESSION_STALE] ID: %s, Port: %d, User: %s (port not reachable)", s.id, s.port, s.owner)
	}
	var snap persistSnapshot
	if demoted > 0 {
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()

	if demoted > 0 {
		r.persist(snap)
	}
	return demoted
}

// Shutdown terminates every session and persists the empty set.
func (r *Registry) Shutdown() int {
	r.drainExits()

	r.mu.Lock()
	all := r.orderedLocked()
	for _, s := range all {
		r.removeLocked(s.id)
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	log.Printf("Shutting down, terminating %d terminal sessions...", len(all))
	for _, s := range all {
		r.finish(s, EndReasonShutdown)
	}
	r.persist(snap)
	return len(all)
}

// PersistStatus reports the outcome of snapshot writes so far.
func (r *Registry) PersistStatus() PersistStatus {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return r.status
}

// exitHandler turns a process exit into a queued event for the session.
func (r *Registry) exitHandler(id string) func(error) {
	return func(err error) {
		select {
		case r.exits <- exitEvent{sessionID: id, err: err}:
		default:
			log.Printf("Exit event queue full, dropping exit of session %s", id)
		}
	}
}

// drainExits applies pending exit events: the session turns stale and its
// process handle is cleared.
func (r *Registry) drainExits() {
	r.mu.Lock()
	changed := false
	for {
		var ev exitEvent
		select {
		case ev = <-r.exits:
		default:
			var snap persistSnapshot
			if changed {
				snap = r.snapshotLocked()
			}
			r.mu.Unlock()
			if changed {
				r.persist(snap)
			}
			return
		}

		s, ok := r.sessions[ev.sessionID]
		if !ok || s.process == nil {
			continue
		}
		s.process = nil
		s.active = false
		changed = true
		log.Printf("[SESSION_STALE] ID: %s, Port: %d, User: %s (process exited: %v)", s.id, s.port, s.owner, ev.err)
	}
}

func (r *Registry) portHeldLocked(port int) bool {
	if _, ok := r.reserved[port]; ok {
		return true
	}
	for _, s := range r.sessions {
		if s.port == port {
			return true
		}
	}
	return false
}

func (r *Registry) orderedLocked() []*session {
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].createdAt.Equal(all[j].createdAt) {
			return all[i].id < all[j].id
		}
		return all[i].createdAt.Before(all[j].createdAt)
	})
	return all
}

// snapshotLocked captures the active sessions under a new sequence number.
func (r *Registry) snapshotLocked() persistSnapshot {
	r.seq++
	records := make([]storage.Record, 0, len(r.sessions))
	for _, s := range r.orderedLocked() {
		if s.active {
			records = append(records, s.record())
		}
	}
	return persistSnapshot{seq: r.seq, records: records}
}

// persist writes a snapshot unless a newer one has already been written.
// Failures are logged and recorded, never returned.
func (r *Registry) persist(snap persistSnapshot) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if snap.seq <= r.lastWritten {
		return
	}
	err := r.store.Save(context.Background(), snap.records)
	if err != nil {
		perr := &PersistenceError{Op: "save", Err: err}
		log.Printf("[PERSIST] %v", perr)
		r.recordPersistResultLocked(perr)
		return
	}
	r.lastWritten = snap.seq
	r.recordPersistResultLocked(nil)
}

func (r *Registry) recordPersistResult(err error) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.recordPersistResultLocked(err)
}

func (r *Registry) recordPersistResultLocked(err error) {
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
		return
	}
	r.status.LastSavedAt = r.now()
}
