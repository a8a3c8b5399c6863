package backend

import (
	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/broadcast"
	"github.com/deemkeen/campusnet/domain"
)

type EdgeOp uint8

const (
	EdgeInserted EdgeOp = iota
	EdgeDeleted
)

// EdgeEvent is a committed change to the follows table.
type EdgeEvent struct {
	Op   EdgeOp
	Edge domain.FollowEdge
}

// Hub fans committed edge changes out to every in-process subscriber, the way a
// realtime channel does for remote clients. One Hub is shared by all Local backends
// of a server.
type Hub struct {
	bus *broadcast.Broadcaster[EdgeEvent]
}

func NewHub() *Hub {
	return &Hub{
		bus: broadcast.New(broadcast.WithLogger[EdgeEvent](log.Default().WithPrefix("hub"))),
	}
}

func (h *Hub) Publish(ev EdgeEvent) {
	h.bus.Emit(ev)
}

// Subscribe delivers changes of edges whose follower is the given identity.
func (h *Hub) Subscribe(follower domain.Identity, onInsert, onDelete func(domain.FollowEdge)) Subscription {
	unsubscribe := h.bus.OnChange(func(ev EdgeEvent) bool {
		return ev.Edge.Follower == follower
	}, func(ev EdgeEvent) {
		switch ev.Op {
		case EdgeInserted:
			if onInsert != nil {
				onInsert(ev.Edge)
			}
		case EdgeDeleted:
			if onDelete != nil {
				onDelete(ev.Edge)
			}
		}
	})
	return SubscriptionFunc(unsubscribe)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	return h.bus.Len()
}
