package follows

import (
	"context"
	"sync/atomic"

	"github.com/deemkeen/campusnet/domain"
)

type MutationState int32

const (
	Pending MutationState = iota
	Committed
	RolledBack
)

func (s MutationState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// Mutation is one optimistic follow or unfollow. It starts Pending and ends either
// Committed or RolledBack; Done is closed on that transition.
type Mutation struct {
	Follower  domain.Identity
	Followee  domain.Identity
	Following bool // membership the mutation is trying to establish

	state atomic.Int32
	err   error
	done  chan struct{}

	// guarded by Cache.mu
	prior      bool
	priorKnown bool
	next       *Mutation
}

func newMutation(follower, followee domain.Identity, following bool) *Mutation {
	return &Mutation{
		Follower:  follower,
		Followee:  followee,
		Following: following,
		done:      make(chan struct{}),
	}
}

func (m *Mutation) State() MutationState {
	return MutationState(m.state.Load())
}

// Err returns the failure of a rolled back mutation. It is nil while pending and after commit.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the mutation settles and returns its error.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mutation) finish(state MutationState, err error) {
	m.err = err
	m.state.Store(int32(state))
	close(m.done)
}
