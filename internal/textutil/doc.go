// Package textutil normalizes work titles and author names into stable keys
// used for queue deduplication and candidate matching.
package textutil
