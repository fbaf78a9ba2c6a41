// Package chathistory is the PostgreSQL-backed persistence layer for saved
// conversations. It implements [orchestrator.History] (the single-message
// Append hook used mid-turn), [hub.HistoryStore] (the List/Fetch/Create/
// Delete catalogue operations backing the client's history picker), and
// optionally [hub.SemanticHistoryStore] (similarity-ranked listing) when a
// [embeddings.Provider] is supplied to [New].
//
// A saved conversation is identified by the pair (conv_uid, history_uid):
// conv_uid scopes to one character configuration, history_uid to one
// particular saved transcript within it.
package chathistory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cadencevoice/cadenced/internal/hub"
	"github.com/cadencevoice/cadenced/internal/orchestrator"
	"github.com/cadencevoice/cadenced/pkg/provider/embeddings"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// Compile-time interface checks.
var (
	_ hub.HistoryStore         = (*Store)(nil)
	_ hub.SemanticHistoryStore = (*Store)(nil)
	_ orchestrator.History     = (*Store)(nil)
)

// previewLen caps the preview text stored alongside a history's metadata row.
const previewLen = 120

const baseDDL = `
CREATE TABLE IF NOT EXISTS conversation_histories (
    conv_uid     TEXT         NOT NULL,
    history_uid  TEXT         NOT NULL,
    preview      TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conv_uid, history_uid)
);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id           BIGSERIAL    PRIMARY KEY,
    conv_uid     TEXT         NOT NULL,
    history_uid  TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    FOREIGN KEY (conv_uid, history_uid)
        REFERENCES conversation_histories (conv_uid, history_uid)
        ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_history
    ON conversation_messages (conv_uid, history_uid, created_at);
`

// semanticDDL adds a pgvector column holding an embedding of each history's
// preview text, used by [Store.ListBySimilarity]. Only applied when a Store
// is constructed with a non-nil [embeddings.Provider].
const semanticDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE conversation_histories
    ADD COLUMN IF NOT EXISTS embedding vector(%[1]d);

CREATE INDEX IF NOT EXISTS idx_conversation_histories_embedding
    ON conversation_histories USING hnsw (embedding vector_cosine_ops);
`

// Store is the chat history store. Obtain one via [New]. All methods are
// safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider // nil disables semantic ranking
}

// New connects to the PostgreSQL database at dsn and ensures the required
// tables exist. embedder is optional: when non-nil, every created or touched
// history's preview is embedded and [Store.ListBySimilarity] becomes usable;
// when nil, fetch-history-list falls back to recency ordering only.
func New(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("chathistory: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chathistory: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, baseDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chathistory: migrate: %w", err)
	}
	if embedder != nil {
		if _, err := pool.Exec(ctx, fmt.Sprintf(semanticDDL, embedder.Dimensions())); err != nil {
			pool.Close()
			return nil, fmt.Errorf("chathistory: migrate semantic index: %w", err)
		}
	}
	return &Store{pool: pool, embedder: embedder}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [orchestrator.History]. It writes one message row and
// bumps the owning history's updated_at and preview. The history row must
// already exist (via [Store.Create]); Append to an unknown history is a
// foreign-key violation surfaced as an error rather than silently upserting
// one, since a history's existence is meant to be an explicit client action.
func (s *Store) Append(ctx context.Context, convUID, historyUID, role, content string) error {
	const insertMsg = `
		INSERT INTO conversation_messages (conv_uid, history_uid, role, content)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, insertMsg, convUID, historyUID, role, content); err != nil {
		return fmt.Errorf("chathistory: append: %w", err)
	}

	previewText := preview(content)
	if s.embedder == nil {
		const touch = `
			UPDATE conversation_histories
			SET    preview = $3, updated_at = now()
			WHERE  conv_uid = $1 AND history_uid = $2`
		if _, err := s.pool.Exec(ctx, touch, convUID, historyUID, previewText); err != nil {
			return fmt.Errorf("chathistory: touch history: %w", err)
		}
		return nil
	}

	vec, err := s.embedder.Embed(ctx, previewText)
	if err != nil {
		return fmt.Errorf("chathistory: embed preview: %w", err)
	}
	const touchWithEmbedding = `
		UPDATE conversation_histories
		SET    preview = $3, embedding = $4, updated_at = now()
		WHERE  conv_uid = $1 AND history_uid = $2`
	if _, err := s.pool.Exec(ctx, touchWithEmbedding, convUID, historyUID, previewText, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("chathistory: touch history: %w", err)
	}
	return nil
}

// ListBySimilarity implements [hub.SemanticHistoryStore]. It embeds query
// and returns the topK saved histories for convUID whose preview embedding
// is closest by cosine distance, most similar first. Histories created
// before an embedder was configured (embedding IS NULL) are excluded.
//
// Returns an error if no embedder was supplied to [New].
func (s *Store) ListBySimilarity(ctx context.Context, convUID, query string, topK int) ([]hub.HistorySummary, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("chathistory: semantic ranking not configured")
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chathistory: embed query: %w", err)
	}

	const q = `
		SELECT history_uid, updated_at, preview
		FROM   conversation_histories
		WHERE  conv_uid = $1 AND embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, convUID, pgvector.NewVector(queryVec), topK)
	if err != nil {
		return nil, fmt.Errorf("chathistory: list by similarity: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (hub.HistorySummary, error) {
		var h hub.HistorySummary
		err := row.Scan(&h.HistoryUID, &h.UpdatedAt, &h.Preview)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("chathistory: list by similarity: scan: %w", err)
	}
	if summaries == nil {
		summaries = []hub.HistorySummary{}
	}
	return summaries, nil
}

// List implements [hub.HistoryStore]. It returns every saved history for
// convUID, most recently updated first.
func (s *Store) List(ctx context.Context, convUID string) ([]hub.HistorySummary, error) {
	const q = `
		SELECT history_uid, updated_at, preview
		FROM   conversation_histories
		WHERE  conv_uid = $1
		ORDER  BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q, convUID)
	if err != nil {
		return nil, fmt.Errorf("chathistory: list: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (hub.HistorySummary, error) {
		var h hub.HistorySummary
		err := row.Scan(&h.HistoryUID, &h.UpdatedAt, &h.Preview)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("chathistory: list: scan: %w", err)
	}
	if summaries == nil {
		summaries = []hub.HistorySummary{}
	}
	return summaries, nil
}

// Fetch implements [hub.HistoryStore]. It returns every message recorded
// under (convUID, historyUID), oldest first.
func (s *Store) Fetch(ctx context.Context, convUID, historyUID string) ([]types.TranscriptEntry, error) {
	const q = `
		SELECT role, content, created_at
		FROM   conversation_messages
		WHERE  conv_uid = $1 AND history_uid = $2
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, convUID, historyUID)
	if err != nil {
		return nil, fmt.Errorf("chathistory: fetch: %w", err)
	}
	defer rows.Close()

	entries := []types.TranscriptEntry{}
	for rows.Next() {
		var (
			role      string
			content   string
			createdAt time.Time
		)
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("chathistory: fetch: scan: %w", err)
		}
		entries = append(entries, types.TranscriptEntry{
			SpeakerID:   role,
			SpeakerName: role,
			Text:        content,
			IsNPC:       role != "user",
			Timestamp:   createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chathistory: fetch: %w", err)
	}
	return entries, nil
}

// Create implements [hub.HistoryStore]. It allocates a fresh history_uid and
// inserts an empty history row under convUID.
func (s *Store) Create(ctx context.Context, convUID string) (string, error) {
	historyUID := uuid.NewString()
	const q = `
		INSERT INTO conversation_histories (conv_uid, history_uid)
		VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, q, convUID, historyUID); err != nil {
		return "", fmt.Errorf("chathistory: create: %w", err)
	}
	return historyUID, nil
}

// Delete implements [hub.HistoryStore]. It removes the history row and,
// via ON DELETE CASCADE, every message recorded under it. Deleting an
// unknown history is not an error.
func (s *Store) Delete(ctx context.Context, convUID, historyUID string) error {
	const q = `
		DELETE FROM conversation_histories
		WHERE conv_uid = $1 AND history_uid = $2`
	if _, err := s.pool.Exec(ctx, q, convUID, historyUID); err != nil {
		return fmt.Errorf("chathistory: delete: %w", err)
	}
	return nil
}

// preview truncates content to previewLen runes for storage in the history
// catalogue, appending an ellipsis when truncated.
func preview(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen]) + "…"
}
