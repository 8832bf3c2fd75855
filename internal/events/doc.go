// Package events carries SessionChanged and ConsentApplied notifications from
// the core to whoever renders state, so ordering can be asserted without
// simulating UI callbacks.
package events
