package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedLimit = 50

func (h *handlers) feed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	user, ok := h.lookup(ctx, c)
	if !ok {
		return
	}
	notifications, err := h.store.ListNotifications(ctx, user.Id, feedLimit)
	if err != nil {
		h.logger.Error("could not list notifications", "user", user.Id, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	rss, err := NotificationsRSS(h.conf, *user, notifications)
	if err != nil {
		h.logger.Error("could not render feed", "user", user.Id, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}

// NotificationsRSS renders the notifications of user as an RSS 2.0 document.
func NotificationsRSS(conf *util.AppConfig, user domain.Profile, notifications []domain.Notification) (string, error) {
	link := fmt.Sprintf("http://%s:%d/feed/%s", conf.Conf.Host, conf.Conf.HttpPort, user.Username)
	email := fmt.Sprintf("%s@%s", user.Username, util.Name)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s notifications - %s", util.Name, user.Label()),
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("who started following @%s", user.Username),
		Author:      &feeds.Author{Name: user.Label(), Email: email},
		Created:     time.Now(),
	}

	for _, n := range notifications {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          n.Id,
			Title:       n.Message,
			Link:        &feeds.Link{Href: link},
			Description: n.CreatedAt.Format(util.DateTimeFormat()),
			Created:     n.CreatedAt,
		})
	}
	return feed.ToRss()
}
