package crdt

import "github.com/example/canvas-sync/internal/types"

// IsNewer reports whether incoming supersedes current. Higher versions win;
// equal versions are tie-broken by the lexicographically smaller user id so
// that every replica picks the same winner regardless of arrival order.
func IsNewer(incoming, current types.UserVersion) bool {
	if incoming.Version != current.Version {
		return incoming.Version > current.Version
	}
	return incoming.UserID < current.UserID
}
