package middleware

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	bm "github.com/charmbracelet/wish/bubbletea"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/db"
	"github.com/deemkeen/campusnet/ui"
	"github.com/muesli/termenv"
)

const setupTimeout = 10 * time.Second

// MainTui runs one program per SSH session. Every session gets its own backend
// handle and app context; the database and the hub are shared.
func MainTui(database *db.DB, hub *backend.Hub) wish.Middleware {
	logger := log.Default().WithPrefix("tui")

	teaHandler := func(s ssh.Session) *tea.Program {
		pty, _, active := s.Pty()
		if !active {
			wish.Println(s, "no active terminal, skipping")
			return nil
		}

		id, ok := Account(s.Context())
		if !ok {
			logger.Error("session without account", "user", s.User())
			return nil
		}

		ctx, cancel := context.WithTimeout(s.Context(), setupTimeout)
		defer cancel()

		local := backend.NewLocal(database, hub)
		if _, err := local.SignIn(ctx, id); err != nil {
			logger.Error("could not sign in", "account", id, "err", err)
			return nil
		}

		a := app.New(local)
		a.Initialize(ctx)

		self, err := database.ReadAccById(ctx, id)
		if err != nil {
			logger.Error("could not read account", "account", id, "err", err)
			a.Teardown()
			return nil
		}

		m := ui.NewModel(a, *self, FirstLogin(s.Context()), database, pty.Window.Width, pty.Window.Height)
		go func() {
			<-s.Context().Done()
			m.Close()
			a.Teardown()
			if err := local.SignOut(context.Background()); err != nil {
				logger.Warn("sign out failed", "account", id, "err", err)
			}
			logger.Debug("session closed", "account", id)
		}()
		return tea.NewProgram(m, tea.WithInput(s), tea.WithOutput(s), tea.WithAltScreen())
	}
	return bm.MiddlewareWithProgramHandler(teaHandler, termenv.ANSI256)
}
