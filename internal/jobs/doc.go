// Package jobs holds the processing job model and its state machine.
//
// Every transition (Claim, AdvanceStage, CompleteStage, FailStage, Cancel,
// Retry) is a pure function from one Job snapshot to the next. Persistence,
// queueing and event publication live in the store, queue and workflow
// packages; nothing here performs I/O.
//
// Errors are classified with the sentinels in errors.go and matched with
// errors.Is.
package jobs
