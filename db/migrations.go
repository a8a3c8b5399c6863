package db

import (
	"context"
	"database/sql"
)

// Schema
const (
	sqlCreateUserTable = `CREATE TABLE IF NOT EXISTS accounts(
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		publickey TEXT UNIQUE,
		display_name TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		first_time_login INTEGER DEFAULT 1
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_id, followee_id),
		CHECK(follower_id <> followee_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_follower_id ON follows(follower_id);
		CREATE INDEX IF NOT EXISTS idx_follows_followee_id ON follows(followee_id);
	`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		read INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id, created_at DESC);
	`

	sqlCreateAuthSessionsTable = `CREATE TABLE IF NOT EXISTS auth_sessions (
		token TEXT NOT NULL PRIMARY KEY,
		refresh_token TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAuthSessionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_auth_sessions_account_id ON auth_sessions(account_id);
		CREATE INDEX IF NOT EXISTS idx_auth_sessions_expires_at ON auth_sessions(expires_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct{ name, sql string }{
			{"accounts", sqlCreateUserTable},
			{"follows", sqlCreateFollowsTable},
			{"notifications", sqlCreateNotificationsTable},
			{"auth_sessions", sqlCreateAuthSessionsTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.sql, table.name); err != nil {
				return err
			}
		}

		// Create indices
		if _, err := tx.Exec(sqlCreateFollowsIndices); err != nil {
			db.logger.Warn("failed to create follows indices", "err", err)
		}
		if _, err := tx.Exec(sqlCreateNotificationsIndices); err != nil {
			db.logger.Warn("failed to create notifications indices", "err", err)
		}
		if _, err := tx.Exec(sqlCreateAuthSessionsIndices); err != nil {
			db.logger.Warn("failed to create auth_sessions indices", "err", err)
		}

		db.extendExistingTables(tx)
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		db.logger.Error("error creating table", "table", tableName, "err", err)
		return err
	}
	db.logger.Debug("table created or already exists", "table", tableName)
	return nil
}

// extendExistingTables adds columns introduced after the first release.
// Errors are ignored since the column may already exist.
func (db *DB) extendExistingTables(tx *sql.Tx) {
	tx.Exec("ALTER TABLE accounts ADD COLUMN display_name TEXT")
	tx.Exec("ALTER TABLE accounts ADD COLUMN first_time_login INTEGER DEFAULT 1")
	tx.Exec("ALTER TABLE notifications ADD COLUMN read INTEGER DEFAULT 0")
}
