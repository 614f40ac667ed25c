package sv

import (
	"context"
	"fmt"
	"sync"
)

// GateState is the lifecycle of the process-wide object store handle.
type GateState int

const (
	GateUninitialized GateState = iota
	GateInitializing
	GateReady
)

func (s GateState) String() string {
	switch s {
	case GateUninitialized:
		return "uninitialized"
	case GateInitializing:
		return "initializing"
	case GateReady:
		return "ready"
	}
	return fmt.Sprintf("GateState(%d)", int(s))
}

// Pinger confirms that a database connection is live.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreOpener builds the object store. The gate calls it at most once.
type StoreOpener func(ctx context.Context) (ObjectStore, error)

// Gate owns the single ObjectStore instance of the process.
//
//	Uninitialized -> Initializing   Initialize called
//	Initializing  -> Uninitialized  database ping failed; Initialize may be retried
//	Initializing  -> Ready          store opened
//
// The ping runs before the opener, so the store is still opened at most
// once. A failed open leaves the gate Initializing for good, and Ready is
// final.
type Gate struct {
	mu      sync.Mutex
	state   GateState
	store   ObjectStore
	openErr error
	ready   chan struct{}
}

func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// Initialize pings the database, then opens the object store.
// Returns ErrNotReady if the ping fails and ErrAlreadyInitialized on any
// call after the first one that got past the ping.
func (g *Gate) Initialize(ctx context.Context, db Pinger, open StoreOpener) error {
	g.mu.Lock()
	if g.state != GateUninitialized {
		g.mu.Unlock()
		return ErrAlreadyInitialized
	}
	g.state = GateInitializing
	g.mu.Unlock()

	if err := db.Ping(ctx); err != nil {
		g.mu.Lock()
		g.state = GateUninitialized
		g.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	store, err := open(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		// The gate stays Initializing: a second store is never built.
		g.openErr = err
		return fmt.Errorf("opening object store: %w", err)
	}
	g.store = store
	g.state = GateReady
	close(g.ready)
	return nil
}

// Store returns the object store, or ErrNotInitialized before the gate is Ready.
func (g *Gate) Store() (ObjectStore, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GateReady {
		if g.openErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotInitialized, g.openErr)
		}
		return nil, ErrNotInitialized
	}
	return g.store, nil
}

// Wait blocks until the gate is Ready or ctx is done.
func (g *Gate) Wait(ctx context.Context) (ObjectStore, error) {
	select {
	case <-g.ready:
		return g.Store()
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for object store: %w", ctx.Err())
	}
}

// Ready returns a channel that is closed once the gate is Ready.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// State reports the current state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
