// Package storage persists probe run history and alert dedup state.
//
// Two drivers are provided: a plain-file driver (JSONL run log plus a
// snapshot/journal pair for dedup state) and an optional SQLite driver
// behind the "sqlite" build tag. With no storage configured a no-op
// store is used, so every caller can hold a Store unconditionally.
package storage
