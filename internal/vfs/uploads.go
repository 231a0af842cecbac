package vfs

import (
	"context"
	"sync"
	"time"
)

// UploadCoordinator tracks in-flight chunked uploads per file node and lets
// callers wait for a file to become ready. Sessions live in process memory
// only; a restart forgets them and the persisted ready flag stays authoritative.
//
// Compound updates for one node (check the current session, persist, install
// or fire) run under a per-node lock so a Prepare can never interleave with a
// Commit for the same node.
type UploadCoordinator struct {
	mu       sync.Mutex
	sessions map[int64]*uploadSession
	locks    map[int64]*nodeLock
	lastGen  uint64
}

type uploadSession struct {
	gen      uint64
	terminal int64
	fired    bool          // written under both the node lock and mu
	ready    chan struct{} // closed when the terminal chunk commits
	stale    chan struct{} // closed when superseded or dropped
}

type nodeLock struct {
	mu   sync.Mutex
	refs int
}

// NewUploadCoordinator creates an empty coordinator.
func NewUploadCoordinator() *UploadCoordinator {
	return &UploadCoordinator{
		sessions: make(map[int64]*uploadSession),
		locks:    make(map[int64]*nodeLock),
	}
}

// lock acquires the per-node lock and returns its release func.
func (c *UploadCoordinator) lock(node int64) func() {
	c.mu.Lock()
	l, ok := c.locks[node]
	if !ok {
		l = &nodeLock{}
		c.locks[node] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, node)
		}
		c.mu.Unlock()
	}
}

func (c *UploadCoordinator) current(node int64) *uploadSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[node]
}

// Prepare declares a new upload session for node whose last chunk will be
// terminal. persist runs with the node locked and is told whether a pending
// session is being superseded, so it can purge that session's chunks. The new
// session is installed only after persist succeeds; waiters on a superseded
// session are released to follow the new one.
func (c *UploadCoordinator) Prepare(node, terminal int64, persist func(superseded bool) error) (bool, error) {
	unlock := c.lock(node)
	defer unlock()

	old := c.current(node)
	superseded := old != nil && !old.fired

	if err := persist(superseded); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.lastGen++
	c.sessions[node] = &uploadSession{
		gen:      c.lastGen,
		terminal: terminal,
		ready:    make(chan struct{}),
		stale:    make(chan struct{}),
	}
	c.mu.Unlock()

	if old != nil {
		close(old.stale)
	}
	return superseded, nil
}

func (c *UploadCoordinator) generation(node int64) uint64 {
	if s := c.current(node); s != nil {
		return s.gen
	}
	return 0
}

// Commit records chunk index of node. upload runs first, without the node
// lock, and stores the chunk's bytes. If node's session changes while upload
// runs, the chunk belongs to stale data and ErrInvalidState is returned
// without calling persist. A chunk committed with no session tracked at all
// is persisted but never marks the node ready. persist is told whether this
// chunk completes the session, and the readiness signal fires only after it
// succeeds.
func (c *UploadCoordinator) Commit(node, index int64, upload func() error, persist func(markReady bool) error) error {
	gen := c.generation(node)
	if err := upload(); err != nil {
		return err
	}

	unlock := c.lock(node)
	defer unlock()

	s := c.current(node)
	switch {
	case s == nil && gen != 0, s != nil && s.gen != gen:
		return ErrInvalidState
	}

	markReady := s != nil && !s.fired && index == s.terminal
	if err := persist(markReady); err != nil {
		return err
	}
	if markReady {
		c.mu.Lock()
		s.fired = true
		c.mu.Unlock()
		close(s.ready)
	}
	return nil
}

// End runs persist with node locked and then drops node's session, so no
// chunk of that session can be committed after persist has removed the
// node's data. Waiters wake and fail with ErrInvalidState. A failed persist
// keeps the session.
func (c *UploadCoordinator) End(node int64, persist func() error) error {
	unlock := c.lock(node)
	defer unlock()

	if err := persist(); err != nil {
		return err
	}

	c.mu.Lock()
	s, ok := c.sessions[node]
	delete(c.sessions, node)
	c.mu.Unlock()

	if ok {
		close(s.stale)
	}
	return nil
}

// WaitReady blocks until node's session fires, the timeout elapses, or ctx is
// done. A superseded session does not satisfy the wait: the waiter moves on to
// the replacement session within the same deadline. Waiting never affects the
// upload itself.
func (c *UploadCoordinator) WaitReady(ctx context.Context, node int64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s := c.current(node)
		if s == nil {
			return ErrInvalidState
		}
		select {
		case <-s.ready:
			return nil
		case <-s.stale:
		case <-timer.C:
			return ErrUploadTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
