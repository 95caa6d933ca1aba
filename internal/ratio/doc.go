// Package ratio watches account health on its own clock and throttles the
// pipeline before the account crosses enforcement thresholds. It is the
// only component allowed to change the queue's admission gate.
package ratio
