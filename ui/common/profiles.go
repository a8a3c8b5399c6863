package common

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/domain"
)

// LoadTimeout bounds every backend call a view makes.
const LoadTimeout = 10 * time.Second

// Profiles resolves ids to profiles, keeping order. Unknown ids get a bare profile
// so the list still shows something.
func Profiles(ctx context.Context, dir backend.Directory, ids []domain.Identity) []domain.Profile {
	out := make([]domain.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := dir.ReadProfile(ctx, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				log.Default().WithPrefix("ui").Warn("failed to read profile", "id", id, "err", err)
			}
			out = append(out, domain.Profile{Id: id})
			continue
		}
		out = append(out, *p)
	}
	return out
}
