// Package health tracks outcome history for shared resources (accounts and
// proxy endpoints) and derives a schedulability signal from it: a score in
// [0,1] plus a cooldown deadline.
//
// Scoring is an exponentially weighted moving average over outcome samples.
// A HardBlock zeroes the score and opens an exponentially growing cooldown,
// capped at a configured ceiling. Resources below the health floor are
// excluded from scheduling until their cooldown elapses.
package health
