package server

//go:generate mockgen -source=listener.go -package=server -destination=listener_mock.go

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/common/stats"
	"github.com/twitter/pipesched/scheduler/domain"
)

// Listener observes run lifecycle events. Calls happen synchronously on
// the goroutine advancing the project, with the project locked, so
// implementations must not call back into the JobRunner. Returned errors
// are logged and otherwise ignored.
type Listener interface {
	OnInit(projectID string, runID int64, timestamp time.Time, jobIDs []string) error
	OnStart(projectID string, runID int64) error
	OnStartJob(projectID string, runID int64, jobID string) error
	OnFinishJob(projectID string, runID int64, data domain.JobData, status domain.RunStatus) error
	OnFinish(projectID string, runID int64, status domain.RunStatus) error
}

// ListenerKey identifies a registered Listener for removal.
type ListenerKey int64

// NopListener ignores every event. Embed it to implement a subset of Listener.
type NopListener struct{}

func (NopListener) OnInit(string, int64, time.Time, []string) error { return nil }
func (NopListener) OnStart(string, int64) error                     { return nil }
func (NopListener) OnStartJob(string, int64, string) error          { return nil }
func (NopListener) OnFinishJob(string, int64, domain.JobData, domain.RunStatus) error {
	return nil
}
func (NopListener) OnFinish(string, int64, domain.RunStatus) error { return nil }

var _ Listener = NopListener{}

// Listeners is a registry of Listener delivering each event to every
// registered listener in registration order.
type Listeners struct {
	stat    stats.StatsReceiver
	lastKey int64

	mu        sync.RWMutex
	listeners map[ListenerKey]Listener
}

func NewListeners(stat stats.StatsReceiver) *Listeners {
	return &Listeners{stat: stat, listeners: make(map[ListenerKey]Listener)}
}

func (ls *Listeners) Add(l Listener) ListenerKey {
	key := ListenerKey(atomic.AddInt64(&ls.lastKey, 1))
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.listeners[key] = l
	return key
}

// Remove unregisters key, returning false if it wasn't registered.
func (ls *Listeners) Remove(key ListenerKey) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, ok := ls.listeners[key]
	delete(ls.listeners, key)
	return ok
}

func (ls *Listeners) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.listeners)
}

func (ls *Listeners) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	keys := make([]ListenerKey, 0, len(ls.listeners))
	for k := range ls.listeners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]Listener, 0, len(keys))
	for _, k := range keys {
		out = append(out, ls.listeners[k])
	}
	return out
}

func (ls *Listeners) deliver(event string, fields log.Fields, fn func(Listener) error) {
	for _, l := range ls.snapshot() {
		if err := call(l, fn); err != nil {
			ls.stat.Counter(stats.SchedListenerErrCounter).Inc(1)
			log.WithFields(fields).WithFields(log.Fields{
				"event":    event,
				"listener": fmt.Sprintf("%T", l),
				"err":      err,
			}).Error("Listener failed")
		}
	}
}

func call(l Listener, fn func(Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(l)
}

func (ls *Listeners) OnInit(projectID string, runID int64, timestamp time.Time, jobIDs []string) {
	ls.deliver("OnInit", log.Fields{"projectID": projectID, "runID": runID}, func(l Listener) error {
		return l.OnInit(projectID, runID, timestamp, append([]string(nil), jobIDs...))
	})
}

func (ls *Listeners) OnStart(projectID string, runID int64) {
	ls.deliver("OnStart", log.Fields{"projectID": projectID, "runID": runID}, func(l Listener) error {
		return l.OnStart(projectID, runID)
	})
}

func (ls *Listeners) OnStartJob(projectID string, runID int64, jobID string) {
	ls.deliver("OnStartJob", log.Fields{"projectID": projectID, "runID": runID, "jobID": jobID}, func(l Listener) error {
		return l.OnStartJob(projectID, runID, jobID)
	})
}

func (ls *Listeners) OnFinishJob(projectID string, runID int64, data domain.JobData, status domain.RunStatus) {
	ls.deliver("OnFinishJob", log.Fields{"projectID": projectID, "runID": runID, "jobID": data.JobID}, func(l Listener) error {
		return l.OnFinishJob(projectID, runID, data, status)
	})
}

func (ls *Listeners) OnFinish(projectID string, runID int64, status domain.RunStatus) {
	ls.deliver("OnFinish", log.Fields{"projectID": projectID, "runID": runID}, func(l Listener) error {
		return l.OnFinish(projectID, runID, status)
	})
}
