package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/campusnet/domain"
)

const (
	sqlInsertAuthSession          = `INSERT INTO auth_sessions(token, refresh_token, account_id, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectAuthSession          = `SELECT token, refresh_token, account_id, expires_at FROM auth_sessions WHERE token = ?`
	sqlSelectAuthSessionByRefresh = `SELECT token, refresh_token, account_id, expires_at FROM auth_sessions WHERE refresh_token = ?`
	sqlDeleteAuthSession          = `DELETE FROM auth_sessions WHERE token = ?`
	sqlDeleteExpiredAuthSessions  = `DELETE FROM auth_sessions WHERE expires_at <= ?`
)

func (db *DB) CreateAuthSession(ctx context.Context, s *domain.AuthSession) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAuthSession, s.AccessToken, s.RefreshToken, string(s.Identity), s.ExpiresAt, time.Now().UTC())
		return err
	})
}

// RotateAuthSession atomically replaces the session identified by oldToken with next.
func (db *DB) RotateAuthSession(ctx context.Context, oldToken string, next *domain.AuthSession) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteAuthSession, oldToken)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("auth session: %w", domain.ErrNoSession)
		}
		_, err = tx.ExecContext(ctx, sqlInsertAuthSession, next.AccessToken, next.RefreshToken, string(next.Identity), next.ExpiresAt, time.Now().UTC())
		return err
	})
}

func (db *DB) ReadAuthSession(ctx context.Context, token string) (*domain.AuthSession, error) {
	return db.readAuthSession(ctx, sqlSelectAuthSession, token)
}

func (db *DB) ReadAuthSessionByRefreshToken(ctx context.Context, refreshToken string) (*domain.AuthSession, error) {
	return db.readAuthSession(ctx, sqlSelectAuthSessionByRefresh, refreshToken)
}

func (db *DB) readAuthSession(ctx context.Context, query, arg string) (*domain.AuthSession, error) {
	var s domain.AuthSession
	var accountId string
	err := db.db.QueryRowContext(ctx, query, arg).Scan(&s.AccessToken, &s.RefreshToken, &accountId, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auth session: %w", domain.ErrNoSession)
	}
	if err != nil {
		return nil, err
	}
	s.Identity = domain.Identity(accountId)
	return &s, nil
}

func (db *DB) DeleteAuthSession(ctx context.Context, token string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteAuthSession, token)
		return err
	})
}

func (db *DB) DeleteExpiredAuthSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteExpiredAuthSessions, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
