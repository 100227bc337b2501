package api

import (
	"context"

	"canvas-sync/domain"
	"canvas-sync/store"
)

// Boards resolves collection identifiers to their stores.
type Boards interface {
	Board(ctx context.Context, id string) (*store.Store, error)
	Stats() []store.BoardStats
}

// SnapshotCache caches serialized snapshot responses per board.
type SnapshotCache interface {
	Get(ctx context.Context, board string) ([]byte, bool)
	Set(ctx context.Context, board string, payload []byte)
}

type tasksResponse struct {
	Tasks    map[string]domain.Task `json:"tasks"`
	Revision uint64                 `json:"revision"`
}

type streamMetricsResponse struct {
	ActiveConnections int                `json:"active_connections"`
	EnvelopesSent     uint64             `json:"envelopes_sent"`
	OverflowCloses    uint64             `json:"overflow_closes"`
	Boards            []store.BoardStats `json:"boards"`
}
