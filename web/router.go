package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/campusnet/backend"
	"github.com/deemkeen/campusnet/domain"
	"github.com/deemkeen/campusnet/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// Store is what the read API needs from a backend.
type Store interface {
	backend.Directory
	QueryFollowing(ctx context.Context, follower domain.Identity) ([]domain.Identity, error)
}

func NewRouter(conf *util.AppConfig, store Store, limiter *RateLimiter) *gin.Engine {
	logger := log.Default().WithPrefix("web")

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(limiter))

	h := &handlers{conf: conf, store: store, logger: logger}

	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": util.GetVersion()})
	})

	api := g.Group("/api/users/:username")
	api.GET("/following", h.following)
	api.GET("/followers", h.followers)

	g.GET("/feed/:username", h.feed)
	return g
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, conf *util.AppConfig, store Store) error {
	logger := log.Default().WithPrefix("web")

	// 10 requests per second per IP, burst of 20
	limiter := NewRateLimiter(rate.Limit(10), 20)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           NewRouter(conf, store, limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("stopping http server")
	return srv.Shutdown(shutdownCtx)
}
