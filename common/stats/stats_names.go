package stats

// Names of every stat the scheduler, the local cluster and the API record.
// Add new stats here rather than inline at the call site.
const (
	/************************* Scheduler metrics **************************/
	/*
		the number of project runs created by Init
	*/
	SchedRunsInitCounter = "runsInitCounter"

	/*
		the number of runs moved from Waiting to Running
	*/
	SchedRunsStartedCounter = "runsStartedCounter"

	/*
		the number of runs that reached a terminal status, by status:
		runsFinishedCounter/Succeeded etc.
	*/
	SchedRunsFinishedCounter = "runsFinishedCounter"

	/*
		the number of jobs launched on the cluster
	*/
	SchedJobsLaunchedCounter = "jobsLaunchedCounter"

	/*
		the number of job launches that returned an error
	*/
	SchedJobLaunchErrCounter = "jobLaunchErrCounter"

	/*
		the number of jobs that reached a terminal status, by status
	*/
	SchedJobsFinishedCounter = "jobsFinishedCounter"

	/*
		the number of finish notifications ignored because the job wasn't Running
	*/
	SchedStaleFinishCounter = "staleFinishCounter"

	/*
		the number of cancel requests
	*/
	SchedCancelCounter = "cancelCounter"

	/*
		the number of individual job cancels that returned an error
	*/
	SchedCancelErrCounter = "cancelErrCounter"

	/*
		the number of cluster owner events whose token couldn't be decoded
	*/
	SchedMalformedOwnerCounter = "malformedOwnerCounter"

	/*
		the number of listener callbacks that returned an error or panicked
	*/
	SchedListenerErrCounter = "listenerErrCounter"

	/*
		time spent launching a job
	*/
	SchedLaunchLatency_ms = "launchLatency_ms"

	/*
		the number of projects whose runs were resumed at startup
	*/
	SchedResumedProjectsCounter = "resumedProjectsCounter"

	/*
		the number of jobs found Running at resume that the cluster had no
		live work for, settled from the cluster's answer
	*/
	SchedResumeSettledCounter = "resumeSettledCounter"

	/************************* Local cluster metrics **************************/
	/*
		the number of submissions accepted
	*/
	ClusterSubmittedCounter = "submittedCounter"

	/*
		the number of tasks (array elements count individually) currently executing
	*/
	ClusterRunningTasksGauge = "runningTasksGauge"

	/*
		the number of tasks waiting for a free execution slot
	*/
	ClusterQueuedTasksGauge = "queuedTasksGauge"

	/*
		the number of cluster jobs that ended, by result: endedCounter/Success etc.
	*/
	ClusterEndedCounter = "endedCounter"

	/*
		the number of cancel requests handled
	*/
	ClusterCancelCounter = "cancelCounter"

	/*
		time a task spent executing
	*/
	ClusterTaskLatency_ms = "taskLatency_ms"

	/************************* API metrics **************************/
	/*
		the number of api requests, by route name
	*/
	APIRequestCounter = "requestCounter"

	/*
		the number of api requests rejected by the rate limiter
	*/
	APIThrottledCounter = "throttledCounter"

	/*
		the number of api requests answered with a 5xx status
	*/
	APIServerErrCounter = "serverErrCounter"

	/*
		api request latency
	*/
	APIRequestLatency_ms = "requestLatency_ms"

	/*
		the amount of time the scheduler server has been running
	*/
	SchedUptime_ms = "schedUptimeGauge_ms"
)
