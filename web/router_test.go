package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deemkeen/campusnet/backend/backendtest"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/util"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

func testRouter(t *testing.T) (*gin.Engine, *backendtest.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := backendtest.New()
	fake.AddProfile(domain.Profile{Id: "u-alice", Username: "alice", DisplayName: "Alice"})
	fake.AddProfile(domain.Profile{Id: "u-bob", Username: "bob"})
	fake.SetEdges("u-alice", "u-bob", "u-ghost")
	fake.SetEdges("u-bob", "u-alice")

	conf := &util.AppConfig{}
	conf.Conf.Host = "example.com"
	conf.Conf.HttpPort = 8080
	return NewRouter(conf, fake, NewRateLimiter(rate.Limit(100), 100)), fake
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	router, _ := testRouter(t)

	w := get(router, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
}

func TestFollowingEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := get(router, "/api/users/alice/following")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var got relationsJSON
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if got.Username != "alice" || got.Count != 2 {
		t.Errorf("Expected alice with 2 followees, got %s with %d", got.Username, got.Count)
	}
	if got.Users[0].Username != "bob" {
		t.Errorf("Expected bob first, got %+v", got.Users[0])
	}
	if got.Users[1].Id != "u-ghost" || got.Users[1].Username != "" {
		t.Errorf("Unknown followee should be listed by id only, got %+v", got.Users[1])
	}
}

func TestFollowersEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := get(router, "/api/users/bob/followers")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got relationsJSON
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if got.Count != 1 || got.Users[0].DisplayName != "Alice" {
		t.Errorf("Expected Alice as the only follower, got %+v", got)
	}
}

func TestUnknownUser(t *testing.T) {
	router, _ := testRouter(t)

	for _, path := range []string{"/api/users/nobody/following", "/api/users/nobody/followers", "/feed/nobody"} {
		if w := get(router, path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestBackendFailure(t *testing.T) {
	router, fake := testRouter(t)
	fake.Fail(backendtest.OpQueryFollowers, errors.New("connection refused"))

	w := get(router, "/api/users/alice/followers")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("Backend errors should not leak to clients")
	}
}

func TestNotificationFeed(t *testing.T) {
	router, fake := testRouter(t)
	if err := fake.CreateFollowNotification(context.Background(), "u-alice", "u-bob", "@bob"); err != nil {
		t.Fatal(err)
	}

	w := get(router, "/feed/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("Expected XML content type, got %s", ct)
	}

	body := w.Body.String()
	for _, want := range []string{"<rss", "campusnet notifications - Alice", "@bob started following you", "http://example.com:8080/feed/alice"} {
		if !strings.Contains(body, want) {
			t.Errorf("Feed should contain %q", want)
		}
	}
}

func TestNotificationsRSSEmpty(t *testing.T) {
	conf := &util.AppConfig{}
	conf.Conf.Host = "localhost"
	conf.Conf.HttpPort = 9999

	rss, err := NotificationsRSS(conf, domain.Profile{Id: "u-carol", Username: "carol"}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(rss, "<channel>") || strings.Contains(rss, "<item>") {
		t.Errorf("Expected an empty channel, got %s", rss)
	}
}
