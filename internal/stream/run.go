package stream

import (
	"context"
	"sync/atomic"

	"github.com/OmChillure/newera-search/internal/models"
)

// State is the lifecycle state of one request.
type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Run tracks one request started by Controller.Start.
type Run struct {
	// UserTurn and Turn are the turns as they were appended.
	UserTurn models.Turn
	Turn     models.Turn

	state atomic.Int32
	done  chan struct{}
}

// State returns the current state of the request.
func (r *Run) State() State {
	return State(r.state.Load())
}

// Done is closed once the request reached a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request reaches a terminal state or ctx is done, and returns the state.
func (r *Run) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
		return r.State(), nil
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}
