// Package indexer queries the primary metadata aggregator over the direct
// identity. It is the preferred discovery source; the tracker client is the
// fallback when the aggregator is down or empty.
package indexer
