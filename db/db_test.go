package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/campusnet/domain"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestAccount(t *testing.T, db *DB, username string) *domain.Profile {
	t.Helper()
	acc, err := db.CreateAccount(context.Background(), username, "hash-"+username)
	if err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}
	return acc
}

func TestCreateAndReadAccount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	acc := createTestAccount(t, db, "alice")

	byId, err := db.ReadAccById(ctx, acc.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if byId.Username != "alice" {
		t.Errorf("Expected username alice, got %s", byId.Username)
	}

	byName, err := db.ReadAccByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if byName.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, byName.Id)
	}

	byKey, err := db.ReadAccByPkHash(ctx, "hash-alice")
	if err != nil {
		t.Fatalf("ReadAccByPkHash failed: %v", err)
	}
	if byKey.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, byKey.Id)
	}
}

func TestReadAccountNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.ReadAccByUsername(context.Background(), "nobody")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateAccountDuplicateUsername(t *testing.T) {
	db := setupTestDB(t)
	createTestAccount(t, db, "alice")
	_, err := db.CreateAccount(context.Background(), "alice", "other-hash")
	if !errors.Is(err, domain.ErrUsernameTaken) {
		t.Errorf("Expected duplicate error, got %v", err)
	}
}

func TestUpdateDisplayName(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	acc := createTestAccount(t, db, "alice")

	if err := db.UpdateDisplayName(ctx, acc.Id, "Alice A."); err != nil {
		t.Fatalf("UpdateDisplayName failed: %v", err)
	}
	got, err := db.ReadAccById(ctx, acc.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if got.DisplayName != "Alice A." {
		t.Errorf("Expected display name 'Alice A.', got %q", got.DisplayName)
	}
}

func TestReadAllAccountsSorted(t *testing.T) {
	db := setupTestDB(t)
	createTestAccount(t, db, "carol")
	createTestAccount(t, db, "alice")
	createTestAccount(t, db, "bob")

	accounts, err := db.ReadAllAccounts(context.Background())
	if err != nil {
		t.Fatalf("ReadAllAccounts failed: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(accounts) != len(want) {
		t.Fatalf("Expected %d accounts, got %d", len(want), len(accounts))
	}
	for i, name := range want {
		if accounts[i].Username != name {
			t.Errorf("accounts[%d]: expected %s, got %s", i, name, accounts[i].Username)
		}
	}
}

func TestFollowLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestAccount(t, db, "alice")
	bob := createTestAccount(t, db, "bob")
	carol := createTestAccount(t, db, "carol")

	for _, followee := range []domain.Identity{bob.Id, carol.Id} {
		if err := db.CreateFollow(ctx, domain.FollowEdge{Follower: alice.Id, Followee: followee}); err != nil {
			t.Fatalf("CreateFollow failed: %v", err)
		}
	}

	following, err := db.ReadFollowing(ctx, alice.Id)
	if err != nil {
		t.Fatalf("ReadFollowing failed: %v", err)
	}
	if len(following) != 2 {
		t.Errorf("Expected 2 followees, got %d", len(following))
	}

	followers, err := db.ReadFollowers(ctx, bob.Id)
	if err != nil {
		t.Fatalf("ReadFollowers failed: %v", err)
	}
	if len(followers) != 1 || followers[0] != alice.Id {
		t.Errorf("Expected [alice] as followers of bob, got %v", followers)
	}

	exists, err := db.FollowExists(ctx, alice.Id, bob.Id)
	if err != nil || !exists {
		t.Errorf("Expected alice -> bob to exist, got %v (err %v)", exists, err)
	}
	exists, err = db.FollowExists(ctx, bob.Id, alice.Id)
	if err != nil || exists {
		t.Errorf("Expected bob -> alice not to exist, got %v (err %v)", exists, err)
	}

	deleted, err := db.DeleteFollow(ctx, alice.Id, bob.Id)
	if err != nil || !deleted {
		t.Errorf("Expected delete to remove the edge, got %v (err %v)", deleted, err)
	}
	deleted, err = db.DeleteFollow(ctx, alice.Id, bob.Id)
	if err != nil || deleted {
		t.Errorf("Expected second delete to be a no-op, got %v (err %v)", deleted, err)
	}

	following, err = db.ReadFollowing(ctx, alice.Id)
	if err != nil {
		t.Fatalf("ReadFollowing failed: %v", err)
	}
	if len(following) != 1 || following[0] != carol.Id {
		t.Errorf("Expected only alice -> carol to remain, got %v", following)
	}
}

func TestReadFollowingEmpty(t *testing.T) {
	db := setupTestDB(t)
	following, err := db.ReadFollowing(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("ReadFollowing failed: %v", err)
	}
	if following == nil || len(following) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", following)
	}
}

func TestCreateFollowErrors(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestAccount(t, db, "alice")
	bob := createTestAccount(t, db, "bob")

	if err := db.CreateFollow(ctx, domain.FollowEdge{Follower: alice.Id, Followee: bob.Id}); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	tests := []struct {
		name string
		edge domain.FollowEdge
		want error
	}{
		{"duplicate", domain.FollowEdge{Follower: alice.Id, Followee: bob.Id}, domain.ErrDuplicateEdge},
		{"self follow", domain.FollowEdge{Follower: alice.Id, Followee: alice.Id}, domain.ErrInvalidRelationship},
		{"empty followee", domain.FollowEdge{Follower: alice.Id}, domain.ErrInvalidRelationship},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.CreateFollow(ctx, tt.edge)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNotifications(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestAccount(t, db, "alice")
	bob := createTestAccount(t, db, "bob")

	base := time.Now().UTC()
	for i, msg := range []string{"first", "second"} {
		n := &domain.Notification{
			UserId:    bob.Id,
			ActorId:   alice.Id,
			Kind:      domain.NotificationFollow,
			Message:   msg,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := db.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
		if n.Id == "" {
			t.Error("Expected notification id to be assigned")
		}
	}

	list, err := db.ReadNotifications(ctx, bob.Id, 10)
	if err != nil {
		t.Fatalf("ReadNotifications failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(list))
	}
	if list[0].Message != "second" {
		t.Errorf("Expected newest first, got %q", list[0].Message)
	}
	if list[0].Read {
		t.Error("Expected new notification to be unread")
	}

	if err := db.MarkNotificationsRead(ctx, bob.Id); err != nil {
		t.Fatalf("MarkNotificationsRead failed: %v", err)
	}
	list, _ = db.ReadNotifications(ctx, bob.Id, 1)
	if len(list) != 1 || !list[0].Read {
		t.Errorf("Expected one read notification, got %v", list)
	}
}

func TestAuthSessions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	alice := createTestAccount(t, db, "alice")

	s := &domain.AuthSession{
		Identity:     alice.Id,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}
	if err := db.CreateAuthSession(ctx, s); err != nil {
		t.Fatalf("CreateAuthSession failed: %v", err)
	}

	got, err := db.ReadAuthSession(ctx, "access-1")
	if err != nil {
		t.Fatalf("ReadAuthSession failed: %v", err)
	}
	if got.Identity != alice.Id {
		t.Errorf("Expected identity %s, got %s", alice.Id, got.Identity)
	}

	next := &domain.AuthSession{
		Identity:     alice.Id,
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().UTC().Add(2 * time.Hour),
	}
	if err := db.RotateAuthSession(ctx, "access-1", next); err != nil {
		t.Fatalf("RotateAuthSession failed: %v", err)
	}
	if _, err := db.ReadAuthSession(ctx, "access-1"); !errors.Is(err, domain.ErrNoSession) {
		t.Errorf("Expected old token to be gone, got %v", err)
	}
	byRefresh, err := db.ReadAuthSessionByRefreshToken(ctx, "refresh-2")
	if err != nil || byRefresh.AccessToken != "access-2" {
		t.Errorf("Expected rotated session by refresh token, got %v (err %v)", byRefresh, err)
	}

	if err := db.RotateAuthSession(ctx, "access-1", next); !errors.Is(err, domain.ErrNoSession) {
		t.Errorf("Expected rotating an unknown token to fail with ErrNoSession, got %v", err)
	}

	if err := db.DeleteAuthSession(ctx, "access-2"); err != nil {
		t.Fatalf("DeleteAuthSession failed: %v", err)
	}
	if _, err := db.ReadAuthSession(ctx, "access-2"); !errors.Is(err, domain.ErrNoSession) {
		t.Errorf("Expected deleted session to be gone, got %v", err)
	}
}

func TestDeleteExpiredAuthSessions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sessions := []*domain.AuthSession{
		{Identity: "a", AccessToken: "old", RefreshToken: "r-old", ExpiresAt: now.Add(-time.Minute)},
		{Identity: "a", AccessToken: "new", RefreshToken: "r-new", ExpiresAt: now.Add(time.Hour)},
	}
	for _, s := range sessions {
		if err := db.CreateAuthSession(ctx, s); err != nil {
			t.Fatalf("CreateAuthSession failed: %v", err)
		}
	}

	n, err := db.DeleteExpiredAuthSessions(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredAuthSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired session removed, got %d", n)
	}
	if _, err := db.ReadAuthSession(ctx, "new"); err != nil {
		t.Errorf("Expected live session to remain, got %v", err)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Errorf("Second RunMigrations failed: %v", err)
	}
}
