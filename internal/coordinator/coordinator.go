// Package coordinator serializes authentication flows so that only one flow
// of a given kind runs at a time. Higher-priority requests preempt an
// in-flight lower-priority flow of the same kind: a user clicking "log in"
// must never wait behind a background silent re-authentication.
package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

// Kind identifies a class of authentication flow. Flows of the same kind are
// serialized; flows of different kinds may run concurrently.
type Kind string

const (
	KindInteractiveLogin Kind = "interactive_login"
	KindSilentLogin      Kind = "silent_login"
	KindSSORefresh       Kind = "sso_refresh"
)

// Priority orders competing requests of the same kind. A higher-priority
// request preempts a lower-priority one already in flight.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityNormal
	PriorityUser
)

// ErrPreempted is the cancellation cause set on a flow's context when a
// higher-priority request of the same kind displaces it.
var ErrPreempted = errors.New("preempted by higher-priority auth request")

// ErrCancelled is the cancellation cause set by an explicit CancelKind call.
var ErrCancelled = errors.New("auth flow cancelled")

// Request describes one authentication flow to run under coordination.
type Request struct {
	// Kind selects the serialization lane.
	Kind Kind

	// ID identifies the request in logs. Generated when empty.
	ID string

	// Priority decides preemption against an in-flight flow of the same kind.
	Priority Priority

	// Execute runs the flow and produces its result. The context is
	// cancelled on preemption or CancelKind; Execute must honor it.
	Execute func(ctx context.Context) (any, error)
}

type flight struct {
	id       string
	priority Priority
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

// Coordinator tracks in-flight and waiting authentication flows per kind.
type Coordinator struct {
	mu       sync.Mutex
	inflight map[Kind]*flight
	waiters  map[Kind]map[chan struct{}]struct{}
}

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{
		inflight: make(map[Kind]*flight),
		waiters:  make(map[Kind]map[chan struct{}]struct{}),
	}
}

// Queue runs the request, waiting for any same-kind flow to finish first.
// When the request outranks the in-flight flow, that flow is cancelled with
// ErrPreempted instead of being waited out. Queue returns Execute's result;
// a preempted or cancelled run surfaces as a cancelled flow error. An
// executor failure rejects only its own caller.
func (c *Coordinator) Queue(ctx context.Context, req Request) (any, error) {
	if req.Execute == nil {
		return nil, errors.New("request has no Execute function")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	for {
		c.mu.Lock()
		current, busy := c.inflight[req.Kind]
		if !busy {
			flightCtx, cancel := context.WithCancelCause(ctx)
			f := &flight{
				id:       req.ID,
				priority: req.Priority,
				cancel:   cancel,
				done:     make(chan struct{}),
			}
			c.inflight[req.Kind] = f
			c.mu.Unlock()

			logging.Debug("Coordinator", "Starting %s flow %s", req.Kind, req.ID)
			result, err := req.Execute(flightCtx)
			cancel(nil)

			c.mu.Lock()
			if c.inflight[req.Kind] == f {
				delete(c.inflight, req.Kind)
			}
			c.mu.Unlock()
			close(f.done)

			if cause := context.Cause(flightCtx); errors.Is(cause, ErrPreempted) || errors.Is(cause, ErrCancelled) {
				return nil, oauth.NewFlowError(oauth.KindCancelled, "auth flow cancelled", err)
			}
			return result, err
		}

		if req.Priority > current.priority {
			logging.Debug("Coordinator", "Request %s preempts in-flight %s flow %s",
				req.ID, req.Kind, current.id)
			current.cancel(ErrPreempted)
		}
		done := current.done
		abort := c.addWaiterLocked(req.Kind)
		c.mu.Unlock()

		select {
		case <-done:
			// Lane free; try to claim it.
			c.removeWaiter(req.Kind, abort)
		case <-abort:
			return nil, oauth.NewFlowError(oauth.KindCancelled, "auth flow cancelled", ErrCancelled)
		case <-ctx.Done():
			c.removeWaiter(req.Kind, abort)
			return nil, oauth.NewFlowError(oauth.KindCancelled,
				"cancelled while waiting for in-flight auth flow", ctx.Err())
		}
	}
}

func (c *Coordinator) addWaiterLocked(kind Kind) chan struct{} {
	abort := make(chan struct{})
	if c.waiters[kind] == nil {
		c.waiters[kind] = make(map[chan struct{}]struct{})
	}
	c.waiters[kind][abort] = struct{}{}
	return abort
}

func (c *Coordinator) removeWaiter(kind Kind, abort chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters[kind], abort)
}

// CancelKind cancels the in-flight flow of the given kind along with every
// queued waiter, and returns how many flows were cancelled.
func (c *Coordinator) CancelKind(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	if f, ok := c.inflight[kind]; ok {
		f.cancel(ErrCancelled)
		count++
	}
	for abort := range c.waiters[kind] {
		close(abort)
		count++
	}
	c.waiters[kind] = nil
	return count
}

// CancelAll cancels every in-flight and queued flow across all kinds.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	kinds := make([]Kind, 0, len(c.inflight)+len(c.waiters))
	seen := map[Kind]bool{}
	for kind := range c.inflight {
		kinds = append(kinds, kind)
		seen[kind] = true
	}
	for kind := range c.waiters {
		if !seen[kind] {
			kinds = append(kinds, kind)
		}
	}
	c.mu.Unlock()

	count := 0
	for _, kind := range kinds {
		count += c.CancelKind(kind)
	}
	return count
}

// InFlight reports whether a flow of the given kind is currently running.
func (c *Coordinator) InFlight(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[kind]
	return ok
}
