package hub

import (
	"context"
	"time"

	"github.com/cadencevoice/cadenced/pkg/types"
)

// HistorySummary describes one saved conversation history for the
// fetch-history-list response.
type HistorySummary struct {
	HistoryUID string
	UpdatedAt  time.Time
	Preview    string
}

// HistoryStore is the metadata-operation side of chat history persistence:
// listing, fetching, creating, and deleting whole histories, as opposed to
// [orchestrator.History]'s single-message Append used mid-turn.
type HistoryStore interface {
	List(ctx context.Context, convUID string) ([]HistorySummary, error)
	Fetch(ctx context.Context, convUID, historyUID string) ([]types.TranscriptEntry, error)
	Create(ctx context.Context, convUID string) (historyUID string, err error)
	Delete(ctx context.Context, convUID, historyUID string) error
}

// SemanticHistoryStore is an optional capability of a [HistoryStore]: ranking
// saved histories by embedding similarity to query rather than by recency.
// A connection handler type-asserts for this from the configured
// HistoryStore and falls back to List when it is not implemented, query
// is empty, or ranking returns an error.
type SemanticHistoryStore interface {
	ListBySimilarity(ctx context.Context, convUID, query string, topK int) ([]HistorySummary, error)
}
