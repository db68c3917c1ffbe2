// Package storage persists the state sessions share across restarts:
//
//   - session -> proxy bindings
//   - the ledger of claimed task rewards
//   - one audit row per session run
//
// Drivers: memory, file (jsonl + snapshot), sqlite, redis.
package storage
