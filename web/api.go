package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/util"
	"github.com/gin-gonic/gin"
)

const requestTimeout = 5 * time.Second

type handlers struct {
	conf   *util.AppConfig
	store  Store
	logger *log.Logger
}

type profileJSON struct {
	Id          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type relationsJSON struct {
	Username string        `json:"username"`
	Count    int           `json:"count"`
	Users    []profileJSON `json:"users"`
}

func (h *handlers) following(c *gin.Context) {
	h.relations(c, h.store.QueryFollowing)
}

func (h *handlers) followers(c *gin.Context) {
	h.relations(c, h.store.QueryFollowers)
}

func (h *handlers) relations(c *gin.Context, query func(context.Context, domain.Identity) ([]domain.Identity, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	user, ok := h.lookup(ctx, c)
	if !ok {
		return
	}
	ids, err := query(ctx, user.Id)
	if err != nil {
		h.logger.Error("relationship query failed", "path", c.FullPath(), "user", user.Id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := relationsJSON{Username: user.Username, Count: len(ids), Users: make([]profileJSON, 0, len(ids))}
	for _, id := range ids {
		entry := profileJSON{Id: id.String()}
		if p, err := h.store.ReadProfile(ctx, id); err == nil {
			entry.Username, entry.DisplayName = p.Username, p.DisplayName
		}
		out.Users = append(out.Users, entry)
	}
	c.JSON(http.StatusOK, out)
}

// lookup resolves the :username param, writing the error response when it fails.
func (h *handlers) lookup(ctx context.Context, c *gin.Context) (*domain.Profile, bool) {
	username := c.Param("username")
	p, err := h.store.ReadProfileByUsername(ctx, username)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return nil, false
	case err != nil:
		h.logger.Error("profile lookup failed", "username", username, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	return p, true
}
