// Package downloader drives the external download client. The daemon never
// moves payload bytes itself; it submits transfers, polls their progress,
// and verifies completed payloads before handing tasks back to the queue.
package downloader
