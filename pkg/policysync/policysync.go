// Package policysync ingests payment-policy documents (MLN Matters, IOM
// chapters, LCD/NCD updates, NCCI edit notices) into the vector store that
// backs policy search. Documents deduplicate on a stable policy key;
// re-ingestion updates metadata and archives the prior version.
package policysync

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meridianhealth/ingest/pkg/audit"
	"github.com/meridianhealth/ingest/pkg/embeddings"
)

// Known policy sources.
const (
	SourceMLNMatters = "MLN_MATTERS"
	SourceIOM        = "IOM"
	SourceLCD        = "LCD"
	SourceNCD        = "NCD"
	SourceNCCI       = "NCCI"
)

// Document is one policy document to ingest.
type Document struct {
	SourceValue   string   `json:"source_value"` // document number or URL
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	EffectiveDate string   `json:"effective_date,omitempty"`
	ExpiresDate   string   `json:"expires_date,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	RelatedCodes  []string `json:"related_codes,omitempty"`
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Source   string        `json:"source"`
	Found    int           `json:"found"`
	Added    int           `json:"added"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// PolicyKey derives the stable dedupe identifier for a document. The MD5
// here is an identifier, not a security primitive.
func PolicyKey(source, sourceValue, title string) string {
	sum := md5.Sum([]byte(sourceValue + "|" + title))
	return strings.ToUpper(source) + "_" + hex.EncodeToString(sum[:])[:12]
}

// Syncer drives per-source policy ingestion.
type Syncer struct {
	db       *sql.DB
	store    embeddings.VectorStore
	embedder embeddings.Embedder
	audit    audit.Logger
	logger   *slog.Logger
}

// NewSyncer assembles a syncer over the shared state database and the
// vector store.
func NewSyncer(db *sql.DB, store embeddings.VectorStore, embedder embeddings.Embedder, auditLog audit.Logger, logger *slog.Logger) (*Syncer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogger()
	}
	s := &Syncer{db: db, store: store, embedder: embedder, audit: auditLog, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate policy sync state: %w", err)
	}
	return s, nil
}

func (s *Syncer) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS policy_sync_state (
		source TEXT PRIMARY KEY,
		last_sync_at TEXT NOT NULL
	)`)
	return err
}

// ShouldSync reports whether a source is due for syncing. force bypasses
// the interval check entirely.
func (s *Syncer) ShouldSync(ctx context.Context, source string, minInterval time.Duration, force bool) (bool, error) {
	if force {
		return true, nil
	}
	var lastRaw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at FROM policy_sync_state WHERE source = ?`, source).Scan(&lastRaw)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	last, err := time.Parse(time.RFC3339, lastRaw)
	if err != nil {
		return true, nil
	}
	return time.Since(last) >= minInterval, nil
}

// DefaultMinInterval throttles unforced syncs of the same source.
const DefaultMinInterval = 24 * time.Hour

// Sync ingests one source's documents. Per-document failures are collected
// in the result; only infrastructure failures abort the pass. Unforced
// syncs inside the throttle window return without touching the store.
func (s *Syncer) Sync(ctx context.Context, source string, docs []Document, force bool) (*SyncResult, error) {
	start := time.Now()
	res := &SyncResult{Source: source, Found: len(docs)}

	due, err := s.ShouldSync(ctx, source, DefaultMinInterval, force)
	if err != nil {
		return nil, err
	}
	if !due {
		res.Skipped = len(docs)
		res.Duration = time.Since(start)
		s.recordAudit("sync_throttled", source, map[string]any{"documents": len(docs)})
		return res, nil
	}

	s.recordAudit("sync_started", source, map[string]any{"documents": len(docs)})

	for _, doc := range docs {
		action, err := s.ingest(ctx, source, doc)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", doc.SourceValue, err))
			s.logger.Warn("policy document failed", "source", source,
				"source_value", doc.SourceValue, "error", err)
			continue
		}
		switch action {
		case "added":
			res.Added++
		case "updated":
			res.Updated++
		default:
			res.Skipped++
		}
	}

	if err := s.markSynced(ctx, source); err != nil {
		s.recordAudit("sync_failed", source, map[string]any{"error": err.Error()})
		return nil, err
	}

	res.Duration = time.Since(start)
	s.recordAudit("sync_completed", source, map[string]any{
		"found": res.Found, "added": res.Added, "updated": res.Updated,
		"skipped": res.Skipped, "errors": len(res.Errors),
	})
	return res, nil
}

// ingest stores or refreshes one document, returning what happened.
func (s *Syncer) ingest(ctx context.Context, source string, doc Document) (string, error) {
	key := PolicyKey(source, doc.SourceValue, doc.Title)
	meta := documentMetadata(source, key, doc)

	existing, err := s.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if existing == nil {
		vec, err := s.embedder.Embed(ctx, doc.Title+"\n"+doc.Content)
		if err != nil {
			return "", err
		}
		if err := s.store.Store(ctx, key, doc.Content, vec, meta); err != nil {
			return "", err
		}
		return "added", nil
	}

	if metadataEqual(existing.Metadata, meta) {
		return "skipped", nil
	}

	// Archive the prior version under a timestamped id before the key row
	// takes the new metadata.
	prior := copyMetadata(existing.Metadata)
	prior["current"] = "false"
	archiveID := key + "#" + time.Now().UTC().Format("20060102T150405")
	priorVec, err := s.embedder.Embed(ctx, existing.Text)
	if err != nil {
		return "", err
	}
	if err := s.store.Store(ctx, archiveID, existing.Text, priorVec, prior); err != nil {
		return "", err
	}

	vec, err := s.embedder.Embed(ctx, doc.Title+"\n"+doc.Content)
	if err != nil {
		return "", err
	}
	if err := s.store.Store(ctx, key, doc.Content, vec, meta); err != nil {
		return "", err
	}
	return "updated", nil
}

func (s *Syncer) markSynced(ctx context.Context, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_sync_state (source, last_sync_at) VALUES (?, ?)
		ON CONFLICT (source) DO UPDATE SET last_sync_at = excluded.last_sync_at`,
		source, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Syncer) recordAudit(action, source string, metadata map[string]any) {
	if err := s.audit.Record(audit.EventSync, "policy-sync", action, source, metadata); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

func documentMetadata(source, key string, doc Document) map[string]string {
	return map[string]string{
		"policy_key":     key,
		"source":         source,
		"source_value":   doc.SourceValue,
		"title":          doc.Title,
		"effective_date": doc.EffectiveDate,
		"expires_date":   doc.ExpiresDate,
		"keywords":       strings.Join(doc.Keywords, ","),
		"related_codes":  strings.Join(doc.RelatedCodes, ","),
		"current":        "true",
	}
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
