// Package local is a batch cluster that runs submissions on this machine.
//
// All bookkeeping happens on one event loop goroutine. Commands execute on
// goroutines started through an async.Runner, and their results come back
// to the loop as callbacks, so no cluster state is shared between goroutines.
// Owner listeners are called from a separate delivery goroutine, never from
// inside Submit or Cancel, which lets them call back into the cluster.
package local

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/async"
	"github.com/twitter/pipesched/batch"
	"github.com/twitter/pipesched/common"
	"github.com/twitter/pipesched/common/stats"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("local cluster stopped")

type Config struct {
	// Upper bound on commands executing at once. Array elements count individually.
	MaxConcurrent int

	// How many finished records stay queryable through GetByOwner.
	FinishedCacheSize int

	// Working directory and extra environment for every command.
	WorkDir string
	Env     map[string]string
}

type clusterJob struct {
	record    batch.Record
	sub       batch.Submission
	ctx       context.Context
	cancel    context.CancelFunc
	queued    int
	executing int
	failed    int
}

type task struct {
	job   *clusterJob
	index int
}

type Cluster struct {
	execer Execer
	config Config
	stat   stats.StatsReceiver
	now    func() time.Time

	reqCh    chan func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// owned by the loop goroutine
	runner    async.Runner
	active    map[string]*clusterJob
	owners    map[string]map[string]bool
	finished  *lru.Cache
	queue     []*task
	executing int

	listenersMu  sync.Mutex
	listeners    map[int]batch.OwnerListener
	nextListener int
	events       *notifier
}

var _ batch.Cluster = (*Cluster)(nil)

// NewCluster starts a cluster running commands through execer. Stop it when done.
func NewCluster(execer Execer, config Config, stat stats.StatsReceiver) (*Cluster, error) {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = common.DefaultMaxConcurrentTasks
	}
	if config.FinishedCacheSize <= 0 {
		config.FinishedCacheSize = common.DefaultFinishedRecordCacheSize
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	c := &Cluster{
		execer:    execer,
		config:    config,
		stat:      stat,
		now:       time.Now,
		reqCh:     make(chan func()),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		runner:    async.NewRunner(),
		active:    make(map[string]*clusterJob),
		owners:    make(map[string]map[string]bool),
		listeners: make(map[int]batch.OwnerListener),
		events:    newNotifier(),
	}
	finished, err := lru.NewWithEvict(config.FinishedCacheSize, c.onEvict)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.finished = finished
	go c.loop()
	return c, nil
}

// Stop cancels executing commands and waits for the loop and pending owner
// events to finish. Must not be called from an OwnerListener.
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		c.events.close()
	})
}

func (c *Cluster) loop() {
	defer close(c.doneCh)
	for {
		select {
		case req := <-c.reqCh:
			req()
		case <-c.runner.Ready():
			c.runner.ProcessMessages()
		case <-c.stopCh:
			for _, j := range c.active {
				j.cancel()
			}
			log.WithFields(log.Fields{"active": len(c.active), "queued": len(c.queue)}).Info("Local cluster stopped")
			return
		}
		c.startQueued()
		c.stat.Gauge(stats.ClusterRunningTasksGauge).Update(int64(c.executing))
		c.stat.Gauge(stats.ClusterQueuedTasksGauge).Update(int64(len(c.queue)))
	}
}

// do runs fn on the loop goroutine and waits for it.
func (c *Cluster) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.reqCh <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return ErrStopped
	}
	<-done
	return nil
}

func (c *Cluster) Submit(ctx context.Context, owner string, sub batch.Submission) (string, error) {
	if len(sub.Command) == 0 {
		return "", errors.Errorf("submission %q for %s has no command", sub.Name, owner)
	}
	if sub.ArraySize < 0 {
		return "", errors.Errorf("submission %q for %s has negative array size %d", sub.Name, owner, sub.ArraySize)
	}
	var id string
	err := c.do(ctx, func() { id = c.submit(owner, sub) })
	return id, err
}

func (c *Cluster) submit(owner string, sub batch.Submission) string {
	id := common.GenUUID()
	jctx, cancel := context.WithCancel(context.Background())
	j := &clusterJob{
		record: batch.Record{
			ID:      id,
			Owner:   owner,
			Name:    sub.Name,
			History: []batch.HistoryEntry{{Status: batch.Submitted, Time: c.now()}},
		},
		sub:    sub,
		ctx:    jctx,
		cancel: cancel,
	}
	tasks := 1
	if sub.ArraySize > 0 {
		tasks = sub.ArraySize
		j.record.ArrayProgress = &batch.ArrayProgress{}
	}
	for i := 0; i < tasks; i++ {
		c.queue = append(c.queue, &task{job: j, index: i})
	}
	j.queued = tasks
	c.active[id] = j
	if c.owners[owner] == nil {
		c.owners[owner] = make(map[string]bool)
	}
	c.owners[owner][id] = true

	c.stat.Counter(stats.ClusterSubmittedCounter).Inc(1)
	log.WithFields(log.Fields{
		"clusterJobID": id,
		"owner":        owner,
		"name":         sub.Name,
		"tasks":        tasks,
	}).Info("Submitted")
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Submission %s: %s", id, spew.Sdump(sub))
	}
	return id
}

func (c *Cluster) startQueued() {
	for c.executing < c.config.MaxConcurrent && len(c.queue) > 0 {
		t := c.queue[0]
		c.queue = c.queue[1:]
		j := t.job
		j.queued--
		j.executing++
		c.executing++
		if !j.record.HasStatus(batch.Started) {
			j.record.History = append(j.record.History, batch.HistoryEntry{Status: batch.Started, Time: c.now()})
		}
		if p := j.record.ArrayProgress; p != nil {
			p.Started++
		}

		cmd := c.command(j, t.index)
		start := c.now()
		jctx := j.ctx
		c.runner.RunAsync(func() error {
			return c.execer.Exec(jctx, cmd)
		}, func(err error) {
			c.stat.Latency(stats.ClusterTaskLatency_ms).Record(c.now().Sub(start))
			c.taskDone(j, t.index, err)
		})
	}
}

func (c *Cluster) command(j *clusterJob, index int) Command {
	env := make(map[string]string, len(c.config.Env)+1)
	for k, v := range c.config.Env {
		env[k] = v
	}
	if j.sub.ArraySize > 0 {
		env[ArrayIndexEnv] = strconv.Itoa(index)
	}
	return Command{
		ClusterJobID: j.record.ID,
		Owner:        j.record.Owner,
		Argv:         append([]string(nil), j.sub.Command...),
		Env:          env,
		Dir:          c.config.WorkDir,
	}
}

func (c *Cluster) taskDone(j *clusterJob, index int, err error) {
	c.executing--
	j.executing--
	failed := err != nil && !j.record.Canceled
	if failed {
		j.failed++
	}
	if p := j.record.ArrayProgress; p != nil {
		p.Ended++
		if failed {
			p.Failed++
		}
	}
	if err != nil {
		log.WithFields(log.Fields{
			"clusterJobID": j.record.ID,
			"owner":        j.record.Owner,
			"index":        index,
			"canceled":     j.record.Canceled,
			"err":          err,
		}).Info("Task ended with error")
	}
	if j.executing == 0 && j.queued == 0 {
		c.end(j, true)
	}
}

// end records the result and moves the job to the finished cache. When
// notify is set and the owner has nothing left running, listeners hear
// about the owner's combined result.
func (c *Cluster) end(j *clusterJob, notify bool) {
	result := batch.Success
	switch {
	case j.record.Canceled:
		result = batch.Canceled
	case j.failed > 0:
		result = batch.Failure
	}
	j.record.History = append(j.record.History, batch.HistoryEntry{Status: batch.Ended, Time: c.now()})
	j.record.Result = &result
	j.cancel()

	delete(c.active, j.record.ID)
	c.finished.Add(j.record.ID, j.record.Copy())
	c.stat.Counter(stats.ClusterEndedCounter, result.String()).Inc(1)
	log.WithFields(log.Fields{
		"clusterJobID": j.record.ID,
		"owner":        j.record.Owner,
		"result":       result,
	}).Info("Cluster job ended")

	owner := j.record.Owner
	if notify && !c.ownerActive(owner) {
		c.notify(owner, c.ownerResult(owner))
	}
}

func (c *Cluster) ownerActive(owner string) bool {
	for id := range c.owners[owner] {
		if _, ok := c.active[id]; ok {
			return true
		}
	}
	return false
}

// ownerResult combines the finished records of owner: any cancel wins,
// then any failure.
func (c *Cluster) ownerResult(owner string) batch.ResultType {
	result := batch.Success
	for id := range c.owners[owner] {
		v, ok := c.finished.Peek(id)
		if !ok {
			continue
		}
		r := v.(batch.Record)
		if r.Result == nil {
			continue
		}
		switch *r.Result {
		case batch.Canceled:
			return batch.Canceled
		case batch.Failure:
			result = batch.Failure
		}
	}
	return result
}

func (c *Cluster) onEvict(key, value interface{}) {
	id := key.(string)
	owner := value.(batch.Record).Owner
	delete(c.owners[owner], id)
	if len(c.owners[owner]) == 0 {
		delete(c.owners, owner)
	}
}

func (c *Cluster) Cancel(ctx context.Context, owner string) (batch.CancelResult, error) {
	var result batch.CancelResult
	err := c.do(ctx, func() { result = c.cancel(owner) })
	return result, err
}

func (c *Cluster) cancel(owner string) batch.CancelResult {
	ids := c.owners[owner]
	if len(ids) == 0 {
		return batch.UnknownJob
	}
	c.stat.Counter(stats.ClusterCancelCounter).Inc(1)

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	pending := false
	for _, id := range sorted {
		j, ok := c.active[id]
		if !ok {
			continue
		}
		j.record.Canceled = true
		if j.queued > 0 {
			c.dropQueued(j)
		}
		if j.executing > 0 {
			j.cancel()
			pending = true
		} else {
			// Nothing will report back for this job, the caller learns
			// the outcome from the AllCanceled answer.
			c.end(j, false)
		}
	}
	log.WithFields(log.Fields{"owner": owner, "pending": pending}).Info("Canceled owner")
	if pending {
		return batch.CancelRequested
	}
	return batch.AllCanceled
}

func (c *Cluster) dropQueued(j *clusterJob) {
	kept := c.queue[:0]
	for _, t := range c.queue {
		if t.job != j {
			kept = append(kept, t)
		}
	}
	c.queue = kept
	j.queued = 0
}

// GetByOwner returns the owner's active and still cached finished records,
// oldest submission first.
func (c *Cluster) GetByOwner(ctx context.Context, owner string) ([]batch.Record, error) {
	var records []batch.Record
	err := c.do(ctx, func() {
		for id := range c.owners[owner] {
			if j, ok := c.active[id]; ok {
				records = append(records, j.record.Copy())
			} else if v, ok := c.finished.Get(id); ok {
				records = append(records, v.(batch.Record).Copy())
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(a, b int) bool {
		ta, _ := records[a].EarliestTime()
		tb, _ := records[b].EarliestTime()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return records[a].ID < records[b].ID
	})
	return records, nil
}

func (c *Cluster) Subscribe(l batch.OwnerListener) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	key := c.nextListener
	c.nextListener++
	c.listeners[key] = l
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, key)
	}
}

func (c *Cluster) notify(owner string, result batch.ResultType) {
	c.events.post(func() {
		c.listenersMu.Lock()
		keys := make([]int, 0, len(c.listeners))
		for k := range c.listeners {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		ls := make([]batch.OwnerListener, 0, len(keys))
		for _, k := range keys {
			ls = append(ls, c.listeners[k])
		}
		c.listenersMu.Unlock()

		for _, l := range ls {
			deliver(l, owner, result)
		}
	})
}

func deliver(l batch.OwnerListener, owner string, result batch.ResultType) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"owner":  owner,
				"result": result,
				"panic":  fmt.Sprint(r),
			}).Error("Owner listener panicked")
		}
	}()
	l(owner, result)
}
