// Package state provides durable snapshot store implementations.
package state

import "github.com/user/wealthflow/internal/types"

// Compile-time interface compliance checks.
var _ types.SnapshotStore = (*FileStore)(nil)
var _ types.SnapshotStore = (*RedisStore)(nil)
