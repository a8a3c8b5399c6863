package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"
	"github.com/deemkeen/campusnet/app"
	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/db"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/middleware"
	"github.com/deemkeen/campusnet/ui"
	"github.com/deemkeen/campusnet/util"
	"github.com/deemkeen/campusnet/web"
)

const (
	sessionSweepInterval = 15 * time.Minute
	startTimeout         = 15 * time.Second
)

func main() {
	fs := flag.NewFlagSet(util.Name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [serve | tui [-user name] [-log file]]\n", util.Name)
		fs.PrintDefaults()
	}
	user := fs.String("user", "", "account to sign in as with the local backend (tui)")
	logFile := fs.String("log", util.Name+".log", "log file used while the tui owns the terminal")

	mode := "serve"
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "serve" || args[0] == "tui") {
		mode, args = args[0], args[1:]
	}
	_ = fs.Parse(args)

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("could not read configuration", "err", err)
	}
	util.SetupLogging(conf.Conf.LogLevel)
	log.Info("starting", "name", util.GetNameAndVersion(), "mode", mode, "backend", conf.Conf.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "tui":
		err = runTui(ctx, conf, *user, *logFile)
	default:
		err = serve(ctx, conf)
	}
	if err != nil {
		log.Fatal("exiting", "err", err)
	}
}

// serve runs the SSH server and the read-only web API over the local database.
func serve(ctx context.Context, conf *util.AppConfig) error {
	if conf.Conf.Backend != util.BackendLocal {
		log.Warn("the ssh server always uses the local backend", "configured", conf.Conf.Backend)
	}

	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		return err
	}
	defer database.Close()

	hub := backend.NewHub()
	s, err := wish.NewServer(
		wish.WithAddress(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.SshPort)),
		wish.WithHostKeyPath(util.ResolveFilePathWithSubdir(".ssh", util.Name+"hostkey")),
		wish.WithPublicKeyAuth(func(ssh.Context, ssh.PublicKey) bool { return true }),
		wish.WithMiddleware(
			middleware.MainTui(database, hub),
			middleware.AuthMiddleware(database, conf.Conf.Closed),
			logging.Middleware(), // last middleware executed first
		),
	)
	if err != nil {
		return err
	}

	go sweepSessions(ctx, database)
	go func() {
		if err := web.Serve(ctx, conf, backend.NewLocal(database, hub)); err != nil {
			log.Error("http server failed", "err", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		log.Info("starting ssh server", "host", conf.Conf.Host, "port", conf.Conf.SshPort)
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, ssh.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("stopping ssh server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func sweepSessions(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := database.DeleteExpiredAuthSessions(ctx, time.Now().UTC())
			if err != nil {
				log.Warn("could not sweep auth sessions", "err", err)
				continue
			}
			if n > 0 {
				log.Debug("swept expired auth sessions", "count", n)
			}
		}
	}
}

// runTui runs the interface on the local terminal against the configured backend.
func runTui(ctx context.Context, conf *util.AppConfig, user, logFile string) error {
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	log.SetOutput(f)

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	var (
		b      backend.Backend
		self   *domain.Profile
		editor ui.ProfileEditor
		done   func()
	)
	switch conf.Conf.Backend {
	case util.BackendSupabase:
		sb, profile, err := startSupabase(startCtx, conf)
		if err != nil {
			return err
		}
		b, self, done = sb, profile, func() { sb.Close() }
	default:
		database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath))
		if err != nil {
			return err
		}
		local, profile, err := startLocal(startCtx, database, user)
		if err != nil {
			database.Close()
			return err
		}
		b, self, editor = local, profile, database
		done = func() {
			_ = local.SignOut(context.Background())
			database.Close()
		}
	}
	defer done()

	a := app.New(b)
	a.Initialize(startCtx)
	defer a.Teardown()

	// the first WindowSizeMsg corrects the size
	m := ui.NewModel(a, *self, false, editor, 80, 24)
	defer m.Close()

	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func startSupabase(ctx context.Context, conf *util.AppConfig) (*backend.Supabase, *domain.Profile, error) {
	reconnectMin, reconnectMax := conf.ReconnectBounds()
	sb, err := backend.NewSupabase(backend.SupabaseConfig{
		URL:          conf.Supabase.Url,
		AnonKey:      conf.Supabase.AnonKey,
		SessionFile:  util.ResolveFilePath(conf.Supabase.SessionFile),
		AutoRefresh:  conf.Supabase.AutoRefresh,
		Heartbeat:    conf.Heartbeat(),
		ReconnectMin: reconnectMin,
		ReconnectMax: reconnectMax,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := sb.Start(ctx); err != nil {
		sb.Close()
		return nil, nil, err
	}

	sess, err := sb.GetSession(ctx)
	if err == nil && sess == nil {
		if conf.Supabase.Email == "" {
			err = errors.New("not signed in and no supabase email configured")
		} else {
			sess, err = sb.SignIn(ctx, conf.Supabase.Email, conf.Supabase.Password)
		}
	}
	if err != nil {
		sb.Close()
		return nil, nil, err
	}

	self, err := sb.ReadProfile(ctx, sess.Identity)
	if errors.Is(err, domain.ErrNotFound) {
		self, err = &domain.Profile{Id: sess.Identity}, nil
	}
	if err != nil {
		sb.Close()
		return nil, nil, err
	}
	return sb, self, nil
}

func startLocal(ctx context.Context, database *db.DB, username string) (*backend.Local, *domain.Profile, error) {
	if username == "" {
		return nil, nil, errors.New("the local backend needs -user")
	}
	self, err := database.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	local := backend.NewLocal(database, backend.NewHub())
	if _, err := local.SignIn(ctx, self.Id); err != nil {
		return nil, nil, err
	}
	return local, self, nil
}
