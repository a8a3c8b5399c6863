package domain

import (
	"fmt"
	"time"
)

type Profile struct {
	Id          Identity
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Label is the human readable name used in notifications and lists.
func (p *Profile) Label() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return "@" + p.Username
	default:
		return string(p.Id)
	}
}

func (p *Profile) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tDisplayName: %s \n\tCREATED_AT: %s)", p.Id, p.Username, p.DisplayName, p.CreatedAt)
}
