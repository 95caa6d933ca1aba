// Package notifications delivers operator alerts over ntfy. With no topic
// configured the service degrades to a noop.
package notifications
