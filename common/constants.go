package common

import (
	"time"
)

const DefaultClientTimeout = time.Minute

const DefaultAPIAddr = "localhost:9091"

// DefaultMaxConcurrentTasks bounds how many commands the local cluster executes at once.
const DefaultMaxConcurrentTasks = 4

// DefaultFinishedRecordCacheSize is how many finished cluster records stay queryable.
const DefaultFinishedRecordCacheSize = 10000
