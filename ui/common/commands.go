package common

type SessionState uint

const (
	CreateUserView SessionState = iota
	PeopleView
	FollowingView
	FollowersView
	NotificationsView
	FollowUserView
)

func (s SessionState) String() string {
	switch s {
	case CreateUserView:
		return "create user"
	case PeopleView:
		return "people"
	case FollowingView:
		return "following"
	case FollowersView:
		return "followers"
	case NotificationsView:
		return "notifications"
	case FollowUserView:
		return "follow user"
	default:
		return "unknown"
	}
}

// Views is the tab order of the main screen.
var Views = []SessionState{PeopleView, FollowingView, FollowersView, NotificationsView, FollowUserView}

// Next returns the view after s in tab order, wrapping around; step -1 goes backwards.
func Next(s SessionState, step int) SessionState {
	for i, v := range Views {
		if v == s {
			return Views[(i+step+len(Views))%len(Views)]
		}
	}
	return Views[0]
}
