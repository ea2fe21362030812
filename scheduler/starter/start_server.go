package starter

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/batch/local"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/scheduler/api"
	"github.com/twitter/pipesched/scheduler/config"
	"github.com/twitter/pipesched/scheduler/jobs"
	"github.com/twitter/pipesched/scheduler/server"
)

const uptimeInterval = 15 * time.Second

// Server is a wired scheduler, ready to Serve.
type Server struct {
	Store    runstore.Store
	Cluster  *local.Cluster
	Runner   *server.JobRunner
	Listener net.Listener

	config      *config.JSONConfigs
	stat        stats.StatsReceiver
	handler     *api.Handler
	registry    *prometheus.Registry
	unsubscribe func()
	draining    chan struct{}
}

// NewServer opens the store, starts the cluster and binds the API listener.
// The caller owns the result and must Close it, whether or not Serve ran.
func NewServer(ctx context.Context, c *config.JSONConfigs, stat stats.StatsReceiver) (*Server, error) {
	log.Infof("Starting scheduler with config:%s", c)
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	s := &Server{config: c, stat: stat, registry: prometheus.NewRegistry(), draining: make(chan struct{})}

	var err error
	if s.Store, err = MakeStore(ctx, c.Store); err != nil {
		return nil, err
	}
	if s.Cluster, err = StartCluster(c.Cluster, stat.Scope("cluster")); err != nil {
		s.Close()
		return nil, err
	}

	runnerConfig, err := c.Scheduler.CreateRunnerConfig()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Runner = server.NewJobRunner(s.Store, jobs.NewFactory(s.Cluster, s.Store), stat.Scope("scheduler"), runnerConfig)
	s.Runner.AddListener(server.LoggingListener{})
	s.Runner.AddListener(server.NewStatsListener(stat.Scope("scheduler")))
	s.registry.MustRegister(collectors.NewGoCollector())
	s.Runner.AddListener(api.NewPrometheusListener(s.registry))
	s.unsubscribe = s.Cluster.Subscribe(s.Runner.OwnerEnded)

	listen := c.API.CreateListenConfig()
	if s.Listener, err = listen.NewListener(); err != nil {
		s.Close()
		return nil, err
	}
	s.handler = api.NewHandler(s.Runner, s.Store, s.Cluster, stat.Scope("api"), listen.NewLimiter())
	return s, nil
}

// Addr is where the API listens.
func (s *Server) Addr() net.Addr {
	return s.Listener.Addr()
}

// Serve resumes unfinished runs when configured to, then serves the API
// until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.config.Scheduler.ResumeOnStartup {
		if err := s.Runner.Resume(ctx); err != nil {
			return errors.Wrap(err, "resuming runs")
		}
	}
	go s.reportUptime(ctx)

	router := api.NewRouter(s.handler, s.registry, s.health)
	return api.Serve(ctx, s.Listener, router)
}

func (s *Server) health() error {
	select {
	case <-s.draining:
		return errors.New("draining")
	default:
		return nil
	}
}

func (s *Server) reportUptime(ctx context.Context) {
	start := time.Now()
	ticker := time.NewTicker(uptimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stat.Gauge(stats.SchedUptime_ms).Update(int64(time.Since(start) / time.Millisecond))
		}
	}
}

// Close marks the server unhealthy and releases the cluster and the store.
// Commands still executing on the cluster are canceled.
func (s *Server) Close() {
	select {
	case <-s.draining:
		return
	default:
		close(s.draining)
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.Cluster != nil {
		s.Cluster.Stop()
	}
	if s.Listener != nil {
		s.Listener.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.WithField("err", err).Warn("Closing store")
		}
	}
}
