// Package tracker is the boundary client for the ratio-accounted source
// site. Every request rides the tunneled identity, passes the pacing
// controller and session manager, and is refused outright unless its path
// matches the configured allow-list.
package tracker
