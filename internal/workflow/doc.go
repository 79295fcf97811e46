// Package workflow orchestrates processing jobs.
//
// The Coordinator loads a job, applies a pure transition from package jobs,
// writes the result with a revision check and publishes the event that
// follows. The Pool pulls from the dispatcher: pipeline queue workers claim
// a job and hand it to the Executor, which runs upload, transcription and
// summarization in order and records adapter failures on the job. Completed
// jobs get a cleanup unit that the CleanupExecutor handles. The Sweeper
// removes expired jobs.
package workflow
