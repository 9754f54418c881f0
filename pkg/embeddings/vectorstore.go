package embeddings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// SearchResult is one vector search hit.
type SearchResult struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]string
}

// VectorStore interface for storing/searching vectors.
type VectorStore interface {
	Store(ctx context.Context, id string, text string, vector Embedding, metadata map[string]string) error
	Get(ctx context.Context, id string) (*SearchResult, error)
	Search(ctx context.Context, vector Embedding, limit int) ([]SearchResult, error)
	UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error
}

// SQLiteVectorStore persists vectors in the state database and scores
// candidates with exact cosine similarity. Collection sizes here are
// policy-document scale, so a linear scan is adequate.
type SQLiteVectorStore struct {
	db *sql.DB
}

func NewSQLiteVectorStore(db *sql.DB) (*SQLiteVectorStore, error) {
	s := &SQLiteVectorStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteVectorStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_vectors (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		vector JSON NOT NULL,
		metadata JSON
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteVectorStore) Store(ctx context.Context, id string, text string, vector Embedding, metadata map[string]string) error {
	vecJSON, _ := json.Marshal(vector)
	metaJSON, _ := json.Marshal(metadata)

	query := `
	INSERT INTO policy_vectors (id, text, vector, metadata)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET text = excluded.text, vector = excluded.vector, metadata = excluded.metadata`
	_, err := s.db.ExecContext(ctx, query, id, text, string(vecJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to store vector: %w", err)
	}
	return nil
}

func (s *SQLiteVectorStore) Get(ctx context.Context, id string) (*SearchResult, error) {
	var r SearchResult
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, text, metadata FROM policy_vectors WHERE id = ?`, id,
	).Scan(&r.ID, &r.Text, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
	}
	return &r, nil
}

func (s *SQLiteVectorStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	metaJSON, _ := json.Marshal(metadata)
	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_vectors SET metadata = ? WHERE id = ?`, string(metaJSON), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("vector %s not found", id)
	}
	return nil
}

func (s *SQLiteVectorStore) Search(ctx context.Context, vector Embedding, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, vector, metadata FROM policy_vectors`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var vecJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.Text, &vecJSON, &metaJSON); err != nil {
			return nil, err
		}
		var stored Embedding
		if err := json.Unmarshal([]byte(vecJSON), &stored); err != nil {
			continue
		}
		r.Score = Cosine(vector, stored)
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
