package config

// SchedulerConfigs the map of available configurations
var SchedulerConfigs = map[string]string{
	"default":      defaultConfig,
	"local.memory": localMemory,
	"local.file":   localFile,
}

// defaultConfig supplies every section a named config leaves without a Type.
const defaultConfig = `{
	"Store": {
		"Type": "memory"
	},
	"Cluster": {
		"Type": "local",
		"MaxConcurrent": 4,
		"FinishedCacheSize": 10000
	},
	"Scheduler": {
		"Type": "jobrunner",
		"LaunchTimeout": "30s",
		"CancelTimeout": "30s",
		"ResumeOnStartup": true
	},
	"API": {
		"Type": "http",
		"Addr": "localhost:9091"
	}
}`

const localMemory = `{
	"Store": {
		"Type": "memory"
	},
	"Cluster": {
		"Type": "local",
		"MaxConcurrent": 8
	}
}`

const localFile = `{
	"Store": {
		"Type": "file",
		"Directory": ".pipesched/runstore"
	},
	"Scheduler": {
		"Type": "jobrunner",
		"LaunchTimeout": "1m",
		"CancelTimeout": "1m",
		"ResumeOnStartup": true
	},
	"API": {
		"Type": "http",
		"Addr": "localhost:9091",
		"ListenerMaxConns": 256,
		"RateLimitPerSec": 100
	}
}`
