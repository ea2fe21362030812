package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// Zero value integer fields are interpreted as unlimited.
type ListenConfig struct {
	Addr             string // ip:port to bind
	ListenerMaxConns int    // Maximum simultaneous connections the listener will accept
	RateLimitPerSec  int    // Maximum API requests per second
	BurstLimit       int    // Requests allowed at once within RateLimitPerSec
}

// NewListener binds the configured address, capping open connections.
func (c *ListenConfig) NewListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", c.Addr)
	}
	if c.ListenerMaxConns > 0 {
		log.Infof("Creating LimitListener with max: %d", c.ListenerMaxConns)
		return netutil.LimitListener(listener, c.ListenerMaxConns), nil
	}
	return listener, nil
}

// NewLimiter returns nil when no rate is configured.
func (c *ListenConfig) NewLimiter() *rate.Limiter {
	if c.RateLimitPerSec <= 0 {
		return nil
	}
	burst := c.BurstLimit
	if burst <= 0 {
		burst = c.RateLimitPerSec
	}
	log.Infof("Creating Limiter with rate/burst: %d/%d", c.RateLimitPerSec, burst)
	return rate.NewLimiter(rate.Limit(c.RateLimitPerSec), burst)
}

// Serve runs handler on listener until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	log.Infof("Serving API on %s", listener.Addr())

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, "serving API")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down API")
	}
	return nil
}
