// Package storage persists the engine's durable state: the activity log plus
// account and proxy snapshots used to rebuild in-memory state on startup.
//
// Two backends are provided. The file backend is dependency-free JSON Lines;
// the sqlite backend keeps everything in one database file and is the default
// for real deployments.
package storage
