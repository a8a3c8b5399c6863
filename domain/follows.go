package domain

import (
	"fmt"
	"time"
)

// Identity is an opaque, stable account identifier.
type Identity string

func (id Identity) String() string {
	return string(id)
}

func (id Identity) IsZero() bool {
	return id == ""
}

// FollowEdge is a directed "follows" relationship.
type FollowEdge struct {
	Follower  Identity
	Followee  Identity
	CreatedAt time.Time
}

// Validate rejects empty identities and self-follows.
func (e FollowEdge) Validate() error {
	return ValidatePair(e.Follower, e.Followee)
}

func (e FollowEdge) ToString() string {
	return fmt.Sprintf("\n\tFollower: %s \n\tFollowee: %s \n\tCREATED_AT: %s)", e.Follower, e.Followee, e.CreatedAt)
}

// ValidatePair checks a (follower, followee) pair before any backend call.
func ValidatePair(follower, followee Identity) error {
	if follower.IsZero() || followee.IsZero() {
		return fmt.Errorf("%w: identities cannot be empty", ErrInvalidRelationship)
	}
	if follower == followee {
		return fmt.Errorf("%w: cannot follow yourself", ErrInvalidRelationship)
	}
	return nil
}

type ChangeSource uint

const (
	SourceOptimistic ChangeSource = iota
	SourceRollback
	SourceRemote
	SourceLookup
)

func (s ChangeSource) String() string {
	switch s {
	case SourceOptimistic:
		return "optimistic"
	case SourceRollback:
		return "rollback"
	case SourceRemote:
		return "remote"
	case SourceLookup:
		return "lookup"
	default:
		return "unknown"
	}
}

// FollowChange is emitted whenever the cached state of a pair changes.
type FollowChange struct {
	Follower  Identity
	Followee  Identity
	Following bool
	Source    ChangeSource
}
