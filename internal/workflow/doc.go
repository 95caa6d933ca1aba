// Package workflow coordinates the acquisition pipeline. Three lanes run
// concurrently against the task queue: discovery moves pending tasks
// through search and selection, download submits admitted selections and
// monitors their transfers, and retry promotes tasks whose backoff has
// elapsed. The account health guardian runs beside the lanes on its own
// timer.
package workflow
