// Package config holds the JSON configuration of the scheduler server:
// which run store to open, how the local cluster executes commands, runner
// timeouts and the API listener.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/twitter/pipesched/batch/local"
	"github.com/twitter/pipesched/common"
	"github.com/twitter/pipesched/scheduler/api"
	"github.com/twitter/pipesched/scheduler/server"
)

// How long startup keeps retrying the store connection.
const DefaultConnectTimeout = time.Minute

// JSONConfigs is the top level server config. A section whose Type is
// empty is replaced by the same section of the "default" config.
type JSONConfigs struct {
	Store     StoreJSONConfig     `json:"Store"`
	Cluster   ClusterJSONConfig   `json:"Cluster"`
	Scheduler SchedulerJSONConfig `json:"Scheduler"`
	API       APIJSONConfig       `json:"API"`
}

func (c JSONConfigs) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s\n%s", c.Store, c.Cluster, c.Scheduler, c.API)
}

type StoreJSONConfig struct {
	Type           string `json:"Type"`           // memory, file, redis, postgres
	Directory      string `json:"Directory"`      // file: root directory
	RedisAddr      string `json:"RedisAddr"`      // redis: host:port
	RedisDB        int    `json:"RedisDB"`        // redis: database number
	RedisPrefix    string `json:"RedisPrefix"`    // redis: key prefix
	PostgresDSN    string `json:"PostgresDSN"`    // postgres: connection string
	ConnectTimeout string `json:"ConnectTimeout"` // default to 1m
}

func (s StoreJSONConfig) String() string {
	return fmt.Sprintf("StoreJSONConfig: Type: %s, Directory: %s, RedisAddr: %s, RedisDB: %d, RedisPrefix: %s, ConnectTimeout: %s",
		s.Type, s.Directory, s.RedisAddr, s.RedisDB, s.RedisPrefix, s.ConnectTimeout)
}

// ConnectTimeoutDuration parses ConnectTimeout, defaulting to DefaultConnectTimeout.
func (s StoreJSONConfig) ConnectTimeoutDuration() (time.Duration, error) {
	return parseDuration(s.ConnectTimeout, DefaultConnectTimeout)
}

type ClusterJSONConfig struct {
	Type              string            `json:"Type"`              // local
	MaxConcurrent     int               `json:"MaxConcurrent"`     // default to common.DefaultMaxConcurrentTasks
	FinishedCacheSize int               `json:"FinishedCacheSize"` // default to common.DefaultFinishedRecordCacheSize
	WorkDir           string            `json:"WorkDir"`
	// Keys read through LoadConfigFile are lower cased by viper.
	Env               map[string]string `json:"Env"`
}

func (c ClusterJSONConfig) String() string {
	return fmt.Sprintf("ClusterJSONConfig: Type: %s, MaxConcurrent: %d, FinishedCacheSize: %d, WorkDir: %s",
		c.Type, c.MaxConcurrent, c.FinishedCacheSize, c.WorkDir)
}

func (c ClusterJSONConfig) CreateClusterConfig() local.Config {
	return local.Config{
		MaxConcurrent:     c.MaxConcurrent,
		FinishedCacheSize: c.FinishedCacheSize,
		WorkDir:           c.WorkDir,
		Env:               c.Env,
	}
}

type SchedulerJSONConfig struct {
	Type            string `json:"Type"`            // jobrunner
	LaunchTimeout   string `json:"LaunchTimeout"`   // default to 30s
	CancelTimeout   string `json:"CancelTimeout"`   // default to 30s
	ResumeOnStartup bool   `json:"ResumeOnStartup"` // advance unfinished runs found in the store
}

func (sc SchedulerJSONConfig) String() string {
	return fmt.Sprintf("SchedulerJSONConfig: Type: %s, LaunchTimeout: %s, CancelTimeout: %s, ResumeOnStartup: %t",
		sc.Type, sc.LaunchTimeout, sc.CancelTimeout, sc.ResumeOnStartup)
}

func (sc SchedulerJSONConfig) CreateRunnerConfig() (server.Config, error) {
	var err error
	rc := server.Config{}
	if rc.LaunchTimeout, err = parseDuration(sc.LaunchTimeout, server.DefaultLaunchTimeout); err != nil {
		return rc, errors.Wrap(err, "LaunchTimeout")
	}
	if rc.CancelTimeout, err = parseDuration(sc.CancelTimeout, server.DefaultCancelTimeout); err != nil {
		return rc, errors.Wrap(err, "CancelTimeout")
	}
	return rc, nil
}

type APIJSONConfig struct {
	Type             string `json:"Type"` // http
	Addr             string `json:"Addr"` // default to common.DefaultAPIAddr
	ListenerMaxConns int    `json:"ListenerMaxConns"`
	RateLimitPerSec  int    `json:"RateLimitPerSec"`
	BurstLimit       int    `json:"BurstLimit"`
}

func (a APIJSONConfig) String() string {
	return fmt.Sprintf("APIJSONConfig: Type: %s, Addr: %s, ListenerMaxConns: %d, RateLimitPerSec: %d, BurstLimit: %d",
		a.Type, a.Addr, a.ListenerMaxConns, a.RateLimitPerSec, a.BurstLimit)
}

func (a APIJSONConfig) CreateListenConfig() *api.ListenConfig {
	addr := a.Addr
	if addr == "" {
		addr = common.DefaultAPIAddr
	}
	return &api.ListenConfig{
		Addr:             addr,
		ListenerMaxConns: a.ListenerMaxConns,
		RateLimitPerSec:  a.RateLimitPerSec,
		BurstLimit:       a.BurstLimit,
	}
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Names lists the builtin configs.
func Names() []string {
	names := make([]string, 0, len(SchedulerConfigs))
	for k := range SchedulerConfigs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func GetConfigText(configSelector string) ([]byte, error) {
	configText, ok := SchedulerConfigs[configSelector]
	if !ok {
		return nil, errors.Errorf("invalid configuration %s, supported values are %v", configSelector, Names())
	}
	return []byte(configText), nil
}

// GetConfig returns the builtin config named configName, with default
// sections filled in.
func GetConfig(configName string) (*JSONConfigs, error) {
	configText, err := GetConfigText(configName)
	if err != nil {
		return nil, err
	}
	c := &JSONConfigs{}
	if err := json.Unmarshal(configText, c); err != nil {
		return nil, errors.Wrapf(err, "couldn't parse config %s", configName)
	}
	return withDefaults(c)
}

// LoadConfigFile reads a config file in any format viper understands
// (json, yaml, toml), with default sections filled in.
func LoadConfigFile(path string) (*JSONConfigs, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	c := &JSONConfigs{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrapf(err, "couldn't parse config file %s", path)
	}
	return withDefaults(c)
}

// Load treats selector as a builtin config name, or else as a file path.
func Load(selector string) (*JSONConfigs, error) {
	if _, ok := SchedulerConfigs[selector]; ok {
		return GetConfig(selector)
	}
	return LoadConfigFile(selector)
}

func withDefaults(c *JSONConfigs) (*JSONConfigs, error) {
	def := &JSONConfigs{}
	if err := json.Unmarshal([]byte(SchedulerConfigs["default"]), def); err != nil {
		return nil, errors.Wrap(err, "couldn't parse the default config")
	}
	if c.Store.Type == "" {
		log.Infof("using default Store config")
		c.Store = def.Store
	}
	if c.Cluster.Type == "" {
		log.Infof("using default Cluster config")
		c.Cluster = def.Cluster
	}
	if c.Scheduler.Type == "" {
		log.Infof("using default Scheduler config")
		c.Scheduler = def.Scheduler
	}
	if c.API.Type == "" {
		log.Infof("using default API config")
		c.API = def.API
	}
	return c, nil
}
