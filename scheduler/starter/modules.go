// Package starter builds a scheduler server from its config: run store,
// local cluster, job runner and HTTP API.
package starter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/batch/local"
	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/runstore"
	"github.com/twitter/pipesched/runstore/file"
	"github.com/twitter/pipesched/runstore/memory"
	"github.com/twitter/pipesched/runstore/postgres"
	"github.com/twitter/pipesched/runstore/redis"
	"github.com/twitter/pipesched/scheduler/config"
)

// MakeStore opens the configured run store. Network stores are retried
// with exponential backoff until the config's ConnectTimeout.
func MakeStore(ctx context.Context, c config.StoreJSONConfig) (runstore.Store, error) {
	switch c.Type {
	case "memory":
		return memory.MakeStore()
	case "file":
		return file.MakeStore(c.Directory)
	case "redis":
		return connect(ctx, c, func() (runstore.Store, error) {
			db, err := redis.Dial(c.RedisAddr, c.RedisDB)
			if err != nil {
				return nil, err
			}
			return redis.MakeStore(db, c.RedisPrefix), nil
		})
	case "postgres":
		return connect(ctx, c, func() (runstore.Store, error) {
			return postgres.Open(ctx, c.PostgresDSN)
		})
	}
	return nil, errors.Errorf("unsupported store type: %s.  No store created", c.Type)
}

func connect(ctx context.Context, c config.StoreJSONConfig, open func() (runstore.Store, error)) (runstore.Store, error) {
	timeout, err := c.ConnectTimeoutDuration()
	if err != nil {
		return nil, errors.Wrap(err, "ConnectTimeout")
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout

	var store runstore.Store
	try := 1
	err = backoff.RetryNotify(func() error {
		log.Debugf("Connecting to %s store, try #%d", c.Type, try)
		try++
		s, err := open()
		if err != nil {
			return err
		}
		store = s
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.WithFields(log.Fields{"type": c.Type, "err": err, "wait": wait}).Warn("Store connection failed, retrying")
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s store", c.Type)
	}
	return store, nil
}

// StartCluster starts the configured batch cluster. Stop it when done.
func StartCluster(c config.ClusterJSONConfig, stat stats.StatsReceiver) (*local.Cluster, error) {
	if c.Type != "local" {
		return nil, errors.Errorf("unsupported cluster type: %s.  No cluster created", c.Type)
	}
	cluster, err := local.NewCluster(local.NewOSExecer(), c.CreateClusterConfig(), stat)
	if err != nil {
		return nil, errors.Wrap(err, "error creating cluster.  Scheduler not started")
	}
	return cluster, nil
}
