package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/realtime"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserID = "0b6f2c1e-8f5a-4a7e-9d8e-2f1c3a4b5c6d"

// fakeSupabase serves the slice of GoTrue, PostgREST and Realtime the facade talks to.
type fakeSupabase struct {
	mu        sync.Mutex
	requests  []string
	bodies    map[string][]byte
	duplicate bool
	tokens    int
	holdJoins bool

	joins chan realtimeJoin
}

// realtimeJoin is one channel join seen by the fake. ack answers it.
type realtimeJoin struct {
	topic string
	token string
	ack   func(status string)
}

func newFakeSupabase(t *testing.T) (*fakeSupabase, *httptest.Server) {
	t.Helper()
	f := &fakeSupabase{bodies: map[string][]byte{}, joins: make(chan realtimeJoin, 16)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSupabase) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/realtime/v1/websocket" {
		f.serveRealtime(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	key := r.Method + " " + r.URL.Path
	f.requests = append(f.requests, key+"?"+r.URL.RawQuery)
	f.bodies[key] = body
	duplicate := f.duplicate
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch key {
	case "POST /auth/v1/token":
		f.mu.Lock()
		f.tokens++
		n := f.tokens
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + string(rune('0'+n)),
			"refresh_token": "refresh-" + string(rune('0'+n)),
			"token_type":    "bearer",
			"expires_in":    3600,
			"expires_at":    time.Now().Add(time.Hour).Unix(),
			"user":          map[string]any{"id": testUserID},
		})
	case "HEAD /rest/v1/follows":
		w.Header().Set("Content-Range", "*/1")
	case "GET /rest/v1/follows":
		_, _ = w.Write([]byte(`[{"following_id":"bob"},{"following_id":"carol"}]`))
	case "POST /rest/v1/follows":
		if duplicate {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	case "POST /rest/v1/notifications":
		w.WriteHeader(http.StatusCreated)
	case "GET /rest/v1/profiles":
		if strings.HasPrefix(r.URL.Query().Get("id"), "eq.missing") {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":"alice","username":"alice","display_name":"Alice","created_at":"2024-03-01T10:00:00.123456+00:00"},{"id":"bob","username":"bob","display_name":null,"created_at":"2024-03-02T10:00:00+00:00"}]`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"PGRST000","message":"not found"}`))
	}
}

func (f *fakeSupabase) serveRealtime(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	reply := func(msg realtime.Message, status string) {
		payload, _ := json.Marshal(map[string]any{"status": status, "response": map[string]any{}})
		data, _ := json.Marshal(realtime.Message{Topic: msg.Topic, Event: "phx_reply", Payload: payload, Ref: msg.Ref, JoinRef: msg.JoinRef})
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg realtime.Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Event {
		case "heartbeat":
			reply(msg, "ok")
		case "phx_join":
			var payload struct {
				AccessToken string `json:"access_token"`
			}
			_ = json.Unmarshal(msg.Payload, &payload)
			f.mu.Lock()
			hold := f.holdJoins
			f.mu.Unlock()
			if !hold {
				reply(msg, "ok")
			}
			join := msg
			f.joins <- realtimeJoin{topic: msg.Topic, token: payload.AccessToken, ack: func(status string) { reply(join, status) }}
		}
	}
}

func (f *fakeSupabase) nextJoin(t *testing.T) realtimeJoin {
	t.Helper()
	select {
	case join := <-f.joins:
		return join
	case <-time.After(5 * time.Second):
		t.Fatal("no realtime join received")
		return realtimeJoin{}
	}
}

func (f *fakeSupabase) body(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func (f *fakeSupabase) sawRequest(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func newTestSupabase(t *testing.T, url, sessionFile string) *Supabase {
	t.Helper()
	s, err := NewSupabase(SupabaseConfig{URL: url, AnonKey: "anon-key", SessionFile: sessionFile})
	require.NoError(t, err)
	return s
}

func TestNewSupabaseRequiresURLAndKey(t *testing.T) {
	_, err := NewSupabase(SupabaseConfig{})
	assert.Error(t, err)
}

func TestSupabaseSignInPersistsAndEmits(t *testing.T) {
	_, srv := newFakeSupabase(t)
	file := filepath.Join(t.TempDir(), "session.json")
	s := newTestSupabase(t, srv.URL, file)

	var events []domain.AuthEventType
	s.OnAuthEvent(func(ev domain.AuthEvent) { events = append(events, ev.Type) })

	sess, err := s.SignIn(context.Background(), "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity(testUserID), sess.Identity)
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, []domain.AuthEventType{domain.SignedIn}, events)

	got, err := s.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, got.AccessToken)

	reopened := newTestSupabase(t, srv.URL, file)
	stored, err := reopened.loadSession()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
	assert.Equal(t, testUserID, stored.UserID)
}

func TestSupabaseRefreshSession(t *testing.T) {
	_, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, "")

	_, err := s.RefreshSession(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoSession)

	_, err = s.SignIn(context.Background(), "alice@example.com", "secret")
	require.NoError(t, err)

	var events []domain.AuthEventType
	s.OnAuthEvent(func(ev domain.AuthEvent) { events = append(events, ev.Type) })

	sess, err := s.RefreshSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", sess.AccessToken)
	assert.Equal(t, []domain.AuthEventType{domain.TokenRefreshed}, events)
}

func TestSupabaseGetSessionWithoutSignIn(t *testing.T) {
	_, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, filepath.Join(t.TempDir(), "missing.json"))

	sess, err := s.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)

	stored, err := s.loadSession()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSupabaseQueryFollowing(t *testing.T) {
	fake, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, "")

	ids, err := s.QueryFollowing(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []domain.Identity{"bob", "carol"}, ids)
	assert.True(t, fake.sawRequest("GET /rest/v1/follows?follower_id=eq.alice"))
}

func TestSupabaseQueryEdgeExists(t *testing.T) {
	_, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, "")

	ok, err := s.QueryEdgeExists(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSupabaseInsertEdge(t *testing.T) {
	fake, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, "")

	require.NoError(t, s.InsertEdge(context.Background(), "alice", "bob", time.Now()))
	var row followRow
	require.NoError(t, json.Unmarshal(fake.body("POST /rest/v1/follows"), &row))
	assert.Equal(t, "alice", row.FollowerID)
	assert.Equal(t, "bob", row.FollowingID)

	fake.mu.Lock()
	fake.duplicate = true
	fake.mu.Unlock()
	err := s.InsertEdge(context.Background(), "alice", "bob", time.Now())
	assert.ErrorIs(t, err, domain.ErrDuplicateEdge)

	err = s.InsertEdge(context.Background(), "alice", "alice", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidRelationship)
}

func TestSupabaseFollowNotification(t *testing.T) {
	fake, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, "")

	require.NoError(t, s.CreateFollowNotification(context.Background(), "bob", "alice", ""))
	var row map[string]any
	require.NoError(t, json.Unmarshal(fake.body("POST /rest/v1/notifications"), &row))
	assert.Equal(t, "bob", row["user_id"])
	assert.Equal(t, "follow", row["type"])
	assert.Equal(t, "Alice started following you", row["message"])
}

func TestSupabaseProfiles(t *testing.T) {
	_, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, "")

	profiles, err := s.ListProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "Alice", profiles[0].DisplayName)
	assert.Equal(t, "", profiles[1].DisplayName)
	assert.Equal(t, 2024, profiles[0].CreatedAt.Year())

	_, err = s.ReadProfile(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMapPostgrestError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", errors.New("(23505) duplicate key value"), domain.ErrDuplicateEdge},
		{"check", errors.New("(23514) new row violates check constraint"), domain.ErrInvalidRelationship},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapPostgrestError(tt.err), tt.want)
		})
	}

	other := errors.New("(42501) permission denied")
	assert.Equal(t, other, mapPostgrestError(other))
	assert.NoError(t, mapPostgrestError(nil))
}

func TestSupabaseSubscribeWaitsForJoin(t *testing.T) {
	f, srv := newFakeSupabase(t)
	f.holdJoins = true
	s := newTestSupabase(t, srv.URL, "")
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type result struct {
		sub Subscription
		err error
	}
	done := make(chan result, 1)
	go func() {
		sub, err := s.SubscribeToEdgeChanges(ctx, "alice", nil, nil)
		done <- result{sub, err}
	}()

	join := f.nextJoin(t)
	assert.True(t, strings.HasPrefix(join.topic, "realtime:follows:alice:"))
	assert.Equal(t, "anon-key", join.token)
	select {
	case <-done:
		t.Fatal("subscribe returned before the join was acknowledged")
	case <-time.After(100 * time.Millisecond):
	}

	join.ack("ok")
	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.sub)
		res.sub.Unsubscribe()
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return after the join was acknowledged")
	}
}

func TestSupabaseSubscribeJoinFailures(t *testing.T) {
	f, srv := newFakeSupabase(t)
	f.holdJoins = true
	s, err := NewSupabase(SupabaseConfig{URL: srv.URL, AnonKey: "anon-key", JoinTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	require.Eventually(t, s.rt.Connected, 5*time.Second, 10*time.Millisecond)

	_, err = s.SubscribeToEdgeChanges(context.Background(), "alice", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	f.nextJoin(t)

	errs := make(chan error, 1)
	go func() {
		_, err := s.SubscribeToEdgeChanges(context.Background(), "alice", nil, nil)
		errs <- err
	}()
	f.nextJoin(t).ack("error")
	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "rejected")
	case <-time.After(5 * time.Second):
		t.Fatal("rejected join did not fail the subscribe")
	}
}

func TestSupabaseRealtimeTokenFollowsSession(t *testing.T) {
	f, srv := newFakeSupabase(t)
	s := newTestSupabase(t, srv.URL, "")
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.SignIn(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	sub, err := s.SubscribeToEdgeChanges(ctx, "alice", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "access-1", f.nextJoin(t).token)
	sub.Unsubscribe()

	s.clear()
	sub, err = s.SubscribeToEdgeChanges(ctx, "alice", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "anon-key", f.nextJoin(t).token)
	sub.Unsubscribe()
}

func TestEdgeChangeHandler(t *testing.T) {
	var inserted, deleted []domain.FollowEdge
	handle := edgeChangeHandler("alice",
		func(e domain.FollowEdge) { inserted = append(inserted, e) },
		func(e domain.FollowEdge) { deleted = append(deleted, e) },
	)

	handle(realtime.Change{Type: "INSERT", Record: map[string]any{
		"follower_id": "alice", "following_id": "bob", "created_at": "2024-03-01T10:00:00Z",
	}})
	handle(realtime.Change{Type: "INSERT", Record: map[string]any{"follower_id": "dave", "following_id": "bob"}})
	handle(realtime.Change{Type: "DELETE", OldRecord: map[string]any{"follower_id": "alice", "following_id": "carol"}})
	handle(realtime.Change{Type: "DELETE", OldRecord: map[string]any{"follower_id": "dave", "following_id": "carol"}})
	handle(realtime.Change{Type: "UPDATE", Record: map[string]any{"follower_id": "alice"}})

	require.Len(t, inserted, 1)
	assert.Equal(t, domain.Identity("bob"), inserted[0].Followee)
	assert.Equal(t, 2024, inserted[0].CreatedAt.Year())
	require.Len(t, deleted, 1)
	assert.Equal(t, domain.FollowEdge{Follower: "alice", Followee: "carol"}, deleted[0])
}
