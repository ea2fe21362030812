/*
Package server provides JobRunner, which drives the runs of every project.

* Concepts *
ProjectRun:
  An ordered list of jobs (topological order of the project graph) with one
  RunStatus each. A project has at most one Running run. Runs that arrive
  while one is active wait, and are started oldest first.

Advancing:
  Within a run exactly one job executes at a time. Before a job launches,
  it and every job downstream of it are marked stale. When it succeeds its
  own stale flag is cleared. A run with no job left Waiting or Running
  finishes with the aggregate status of its jobs, and the next Waiting run
  of the project starts.

Events:
  Init, Finished and Cancel are the only entry points that change a run.
  Each holds the project's lock while it reads, decides, mutates and
  persists, so events for one project apply one at a time. Listeners are
  told about every transition after it is persisted.

Cluster jobs:
  A job is submitted to the batch cluster under the owner token
  "<jobID>/<runID>". OwnerEnded decodes the token when the cluster reports
  that the owner has no more active work and feeds the result to Finished.
*/
package server
