package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db     *sql.DB
	logger *log.Logger
}

const maxBusyRetries = 5

const (
	//Accounts
	sqlInsertUser            = `INSERT INTO accounts(id, username, publickey, display_name, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlUpdateDisplayName     = `UPDATE accounts SET display_name = ?, first_time_login = 0 WHERE id = ?`
	sqlUpdateUsername        = `UPDATE accounts SET username = ?, first_time_login = 0 WHERE id = ?`
	sqlSelectUserColumns     = `SELECT id, username, COALESCE(display_name, ''), created_at FROM accounts`
	sqlSelectUserById        = sqlSelectUserColumns + ` WHERE id = ?`
	sqlSelectUserByUsername  = sqlSelectUserColumns + ` WHERE username = ?`
	sqlSelectUserByPublicKey = sqlSelectUserColumns + ` WHERE publickey = ?`
	sqlSelectAllUsers        = sqlSelectUserColumns + ` ORDER BY username ASC`
)

// Open opens (or creates) the sqlite database at path and runs the migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	logger := log.Default().WithPrefix("db")

	if path == ":memory:" {
		// every pooled connection would get its own empty in-memory database
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Configure connection pool for concurrent access
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			logger.Warn("failed to enable WAL mode", "err", err)
		} else {
			logger.Debug("database journal mode", "mode", journalMode)
		}
		sqlDB.Exec("PRAGMA synchronous = NORMAL") // Reduces fsync calls
		sqlDB.Exec("PRAGMA busy_timeout = 5000")  // Wait up to 5s for locks
	}
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqlDB, logger: logger}
	if err := database.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Info("database ready", "path", path)
	return database, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) CreateAccount(ctx context.Context, username, pkHash string) (*domain.Profile, error) {
	acc := &domain.Profile{
		Id:        domain.Identity(uuid.NewString()),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var pk any
		if pkHash != "" {
			pk = pkHash
		}
		_, err := tx.ExecContext(ctx, sqlInsertUser, string(acc.Id), acc.Username, pk, nil, acc.CreatedAt)
		return err
	})
	if err != nil {
		if unique, _ := constraintKind(err); unique {
			return nil, fmt.Errorf("account %s: %w", username, domain.ErrUsernameTaken)
		}
		return nil, err
	}
	return acc, nil
}

func (db *DB) UpdateDisplayName(ctx context.Context, id domain.Identity, displayName string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateDisplayName, displayName, string(id))
		return err
	})
}

func (db *DB) UpdateUsername(ctx context.Context, id domain.Identity, username string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateUsername, username, string(id))
		return err
	})
}

func (db *DB) ReadAccById(ctx context.Context, id domain.Identity) (*domain.Profile, error) {
	return db.readAccount(ctx, sqlSelectUserById, string(id))
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	return db.readAccount(ctx, sqlSelectUserByUsername, username)
}

func (db *DB) ReadAccByPkHash(ctx context.Context, pkHash string) (*domain.Profile, error) {
	return db.readAccount(ctx, sqlSelectUserByPublicKey, pkHash)
}

func (db *DB) readAccount(ctx context.Context, query string, arg any) (*domain.Profile, error) {
	row := db.db.QueryRowContext(ctx, query, arg)
	var acc domain.Profile
	var id string
	err := row.Scan(&id, &acc.Username, &acc.DisplayName, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %v: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	acc.Id = domain.Identity(id)
	return &acc, nil
}

func (db *DB) ReadAllAccounts(ctx context.Context) ([]domain.Profile, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Profile
	for rows.Next() {
		var acc domain.Profile
		var id string
		if err := rows.Scan(&id, &acc.Username, &acc.DisplayName, &acc.CreatedAt); err != nil {
			return accounts, err
		}
		acc.Id = domain.Identity(id)
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		var tx *sql.Tx
		tx, err = db.db.BeginTx(ctx, nil)
		if err != nil {
			db.logger.Error("error starting transaction", "err", err)
			return err
		}
		err = f(tx)
		if err == nil {
			if err = tx.Commit(); err != nil {
				db.logger.Error("error committing transaction", "err", err)
				return err
			}
			return nil
		}
		tx.Rollback()
		if !isBusy(err) {
			return err
		}
		db.logger.Debug("database busy, retrying", "attempt", attempt+1)
	}
	return err
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_BUSY
}

// constraintKind classifies sqlite constraint violations.
func constraintKind(err error) (unique bool, check bool) {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false, false
	}
	switch serr.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true, false
	case sqlitelib.SQLITE_CONSTRAINT_CHECK:
		return false, true
	}
	if serr.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT {
		msg := serr.Error()
		return strings.Contains(msg, "UNIQUE"), strings.Contains(msg, "CHECK")
	}
	return false, false
}
