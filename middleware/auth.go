package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/deemkeen/campusnet/db"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/util"
	"github.com/google/uuid"
)

type contextKey string

const (
	accountKey    contextKey = "campusnet.account"
	firstLoginKey contextKey = "campusnet.firstLogin"
)

const createAttempts = 3

// AuthMiddleware maps the session's public key to an account, creating one with a
// placeholder username on the first login unless registration is closed.
func AuthMiddleware(database *db.DB, closed bool) wish.Middleware {
	logger := log.Default().WithPrefix("auth")
	return func(h ssh.Handler) ssh.Handler {
		return func(s ssh.Session) {
			pkHash := util.PkToHash(util.PublicKeyToString(s.PublicKey()))

			acc, err := database.ReadAccByPkHash(s.Context(), pkHash)
			firstLogin := false
			if errors.Is(err, domain.ErrNotFound) {
				if closed {
					logger.Warn("rejected new key, registration closed", "user", s.User(), "addr", s.RemoteAddr())
					wish.Fatalln(s, "Registration is closed on this server.")
					return
				}
				acc, err = createAccount(s.Context(), database, pkHash)
				firstLogin = true
			}
			if err != nil {
				logger.Error("could not resolve account", "user", s.User(), "err", err)
				wish.Fatalln(s, "Could not log you in, please try again later.")
				return
			}

			s.Context().SetValue(accountKey, acc.Id)
			s.Context().SetValue(firstLoginKey, firstLogin)
			logger.Info("opened session", "user", s.User(), "addr", s.RemoteAddr(), "account", acc.Id, "first", firstLogin)
			h(s)
		}
	}
}

func createAccount(ctx context.Context, database *db.DB, pkHash string) (*domain.Profile, error) {
	var err error
	for range createAttempts {
		var acc *domain.Profile
		acc, err = database.CreateAccount(ctx, placeholderUsername(), pkHash)
		if !errors.Is(err, domain.ErrUsernameTaken) {
			return acc, err
		}
	}
	return nil, err
}

func placeholderUsername() string {
	return "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Account returns the identity AuthMiddleware stored on the session.
func Account(ctx ssh.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(accountKey).(domain.Identity)
	return id, ok && !id.IsZero()
}

func FirstLogin(ctx ssh.Context) bool {
	first, _ := ctx.Value(firstLoginKey).(bool)
	return first
}
