// Package backend defines the capability set the client needs from the managed
// backend, and the implementations of it: Supabase for production and a local
// sqlite-backed variant used by the SSH server and by tests.
package backend

import (
	"context"
	"time"

	"github.com/deemkeen/campusnet/domain"
)

// Subscription is a long-lived, cancellable backend channel.
// Unsubscribe releases it and is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() {
	f()
}

type Auth interface {
	// GetSession returns the current session, or nil when nobody is signed in.
	GetSession(ctx context.Context) (*domain.AuthSession, error)
	// OnAuthEvent registers a handler for sign-in, sign-out and token refresh events.
	OnAuthEvent(handler func(domain.AuthEvent)) (unsubscribe func())
	// RefreshSession forces a token renewal.
	RefreshSession(ctx context.Context) (*domain.AuthSession, error)
}

type Relationships interface {
	QueryFollowing(ctx context.Context, follower domain.Identity) ([]domain.Identity, error)
	QueryEdgeExists(ctx context.Context, follower, followee domain.Identity) (bool, error)
	// InsertEdge fails with domain.ErrDuplicateEdge when the edge exists and with
	// domain.ErrInvalidRelationship for self edges.
	InsertEdge(ctx context.Context, follower, followee domain.Identity, at time.Time) error
	// DeleteEdge is a no-op when the edge is absent.
	DeleteEdge(ctx context.Context, follower, followee domain.Identity) error
	// SubscribeToEdgeChanges returns only once the subscription is live: every
	// change committed after it returns reaches onInsert or onDelete.
	SubscribeToEdgeChanges(ctx context.Context, follower domain.Identity, onInsert, onDelete func(domain.FollowEdge)) (Subscription, error)
}

type Notifier interface {
	CreateFollowNotification(ctx context.Context, target, actor domain.Identity, actorLabel string) error
}

// Directory serves the read-mostly lookups the presentation layer needs.
type Directory interface {
	ListProfiles(ctx context.Context) ([]domain.Profile, error)
	ReadProfile(ctx context.Context, id domain.Identity) (*domain.Profile, error)
	ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error)
	QueryFollowers(ctx context.Context, followee domain.Identity) ([]domain.Identity, error)
	ListNotifications(ctx context.Context, user domain.Identity, limit int) ([]domain.Notification, error)
	MarkNotificationsRead(ctx context.Context, user domain.Identity) error
}

type Backend interface {
	Auth
	Relationships
	Notifier
	Directory
}
