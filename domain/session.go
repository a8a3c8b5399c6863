package domain

import "time"

// AuthSession is what the backend hands out after authentication.
type AuthSession struct {
	Identity     Identity
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past its expiry. A zero ExpiresAt never expires.
func (s *AuthSession) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type AuthEventType uint

const (
	SignedIn AuthEventType = iota
	SignedOut
	TokenRefreshed
	UserUpdated
)

func (t AuthEventType) String() string {
	switch t {
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	case UserUpdated:
		return "USER_UPDATED"
	default:
		return "UNKNOWN"
	}
}

type AuthEvent struct {
	Type    AuthEventType
	Session *AuthSession // nil for SignedOut
}

// SessionSnapshot is the view of the session handed to subscribers.
type SessionSnapshot struct {
	Identity        Identity
	IsAuthenticated bool
	Loading         bool
}
