package realtime

import (
	"github.com/goccy/go-json"
)

// Phoenix channel events used by Supabase Realtime
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventAccessToken     = "access_token"
	eventPostgresChanges = "postgres_changes"
	eventSystem          = "system"

	topicPhoenix = "phoenix"
)

// Message is one frame of the Phoenix channel protocol (serializer version 1.0.0).
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// PostgresChange selects the row changes a channel receives.
type PostgresChange struct {
	Event  string `json:"event"` // INSERT, UPDATE, DELETE or *
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	PostgresChanges []PostgresChange `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type accessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Change is a row change delivered on a channel.
type Change struct {
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
}

type changesPayload struct {
	Data Change `json:"data"`
	IDs  []int  `json:"ids,omitempty"`
}

// String returns a string column of the new record, falling back to the old one.
func (c Change) String(column string) string {
	if v, ok := c.Record[column].(string); ok {
		return v
	}
	if v, ok := c.OldRecord[column].(string); ok {
		return v
	}
	return ""
}
