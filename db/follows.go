package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/campusnet/domain"
	"github.com/google/uuid"
)

// Follow queries
const (
	sqlInsertFollow       = `INSERT INTO follows(id, follower_id, followee_id, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteFollow       = `DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`
	sqlSelectFollowing    = `SELECT followee_id FROM follows WHERE follower_id = ? ORDER BY created_at ASC`
	sqlSelectFollowers    = `SELECT follower_id FROM follows WHERE followee_id = ? ORDER BY created_at ASC`
	sqlSelectFollowExists = `SELECT COUNT(1) FROM follows WHERE follower_id = ? AND followee_id = ?`
)

// CreateFollow stores a follow edge. It fails with domain.ErrDuplicateEdge if the pair
// already exists and with domain.ErrInvalidRelationship for self edges.
func (db *DB) CreateFollow(ctx context.Context, edge domain.FollowEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFollow,
			uuid.NewString(),
			string(edge.Follower),
			string(edge.Followee),
			edge.CreatedAt,
		)
		return err
	})
	if err != nil {
		unique, check := constraintKind(err)
		switch {
		case unique:
			return fmt.Errorf("%s -> %s: %w", edge.Follower, edge.Followee, domain.ErrDuplicateEdge)
		case check:
			return fmt.Errorf("%s -> %s: %w", edge.Follower, edge.Followee, domain.ErrInvalidRelationship)
		}
		return err
	}
	return nil
}

// DeleteFollow removes the edge and reports whether there was one.
func (db *DB) DeleteFollow(ctx context.Context, follower, followee domain.Identity) (bool, error) {
	var affected int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollow, string(follower), string(followee))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected > 0, err
}

func (db *DB) FollowExists(ctx context.Context, follower, followee domain.Identity) (bool, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlSelectFollowExists, string(follower), string(followee)).Scan(&count)
	return count > 0, err
}

func (db *DB) ReadFollowing(ctx context.Context, follower domain.Identity) ([]domain.Identity, error) {
	return db.readIdentities(ctx, sqlSelectFollowing, follower)
}

func (db *DB) ReadFollowers(ctx context.Context, followee domain.Identity) ([]domain.Identity, error) {
	return db.readIdentities(ctx, sqlSelectFollowers, followee)
}

func (db *DB) readIdentities(ctx context.Context, query string, id domain.Identity) ([]domain.Identity, error) {
	rows, err := db.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []domain.Identity{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return ids, err
		}
		ids = append(ids, domain.Identity(s))
	}
	return ids, rows.Err()
}
