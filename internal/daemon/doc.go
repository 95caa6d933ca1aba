// Package daemon assembles the pipeline components and enforces
// single-instance execution through a lock file.
package daemon
