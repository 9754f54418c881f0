package policysync

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/meridianhealth/ingest/pkg/audit"
	"github.com/meridianhealth/ingest/pkg/embeddings"
)

func setupSyncer(t *testing.T) (*Syncer, *embeddings.SQLiteVectorStore, *bytes.Buffer) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := embeddings.NewSQLiteVectorStore(db)
	require.NoError(t, err)

	var auditBuf bytes.Buffer
	s, err := NewSyncer(db, store, embeddings.NewLocalEmbedder(),
		audit.NewLoggerWithWriter(&auditBuf), nil)
	require.NoError(t, err)
	return s, store, &auditBuf
}

func TestPolicyKeyStable(t *testing.T) {
	a := PolicyKey(SourceMLNMatters, "MM13579", "Modifier 59 Usage")
	b := PolicyKey(SourceMLNMatters, "MM13579", "Modifier 59 Usage")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "MLN_MATTERS_"), "key = %q", a)
	assert.Len(t, strings.TrimPrefix(a, "MLN_MATTERS_"), 12)
	assert.NotEqual(t, a, PolicyKey(SourceMLNMatters, "MM13579", "Different Title"),
		"title must be part of the key")
	assert.NotEqual(t, a, PolicyKey(SourceIOM, "MM13579", "Modifier 59 Usage"),
		"source must be part of the key")
}

func TestSyncAddsNewDocuments(t *testing.T) {
	ctx := context.Background()
	s, store, auditBuf := setupSyncer(t)

	docs := []Document{
		{SourceValue: "MM13579", Title: "Modifier 59 Usage", Content: "Use modifier 59 only when...", Keywords: []string{"modifier", "ncci"}},
		{SourceValue: "MM13600", Title: "Timely Filing Reminder", Content: "Claims must be received..."},
	}
	res, err := s.Sync(ctx, SourceMLNMatters, docs, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 2, res.Added)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.Errors)

	key := PolicyKey(SourceMLNMatters, "MM13579", "Modifier 59 Usage")
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "true", got.Metadata["current"])
	assert.Equal(t, "modifier,ncci", got.Metadata["keywords"])

	out := auditBuf.String()
	assert.Contains(t, out, "sync_started")
	assert.Contains(t, out, "sync_completed")
}

func TestSyncDeduplicatesAndVersions(t *testing.T) {
	ctx := context.Background()
	s, store, _ := setupSyncer(t)

	doc := Document{SourceValue: "L12345", Title: "Therapy LCD", Content: "Covered diagnoses...", EffectiveDate: "2024-01-01"}
	_, err := s.Sync(ctx, SourceLCD, []Document{doc}, true)
	require.NoError(t, err)

	// Identical re-ingest is a skip.
	res, err := s.Sync(ctx, SourceLCD, []Document{doc}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Added)
	assert.Zero(t, res.Updated)

	// Changed metadata updates in place and archives the prior version.
	doc.EffectiveDate = "2024-07-01"
	doc.Content = "Covered diagnoses, revised..."
	res, err = s.Sync(ctx, SourceLCD, []Document{doc}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	key := PolicyKey(SourceLCD, "L12345", "Therapy LCD")
	current, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "2024-07-01", current.Metadata["effective_date"])
	assert.Equal(t, "true", current.Metadata["current"])

	// The archived copy is findable by search and marked non-current.
	vec, err := embeddings.NewLocalEmbedder().Embed(ctx, "Covered diagnoses")
	require.NoError(t, err)
	hits, err := store.Search(ctx, vec, 10)
	require.NoError(t, err)
	archived := 0
	for _, h := range hits {
		if strings.HasPrefix(h.ID, key+"#") {
			archived++
			assert.Equal(t, "false", h.Metadata["current"], "archived entry still current")
		}
	}
	assert.Equal(t, 1, archived)
}

func TestShouldSyncThrottle(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupSyncer(t)

	due, err := s.ShouldSync(ctx, SourceNCCI, 4*time.Hour, false)
	require.NoError(t, err)
	assert.True(t, due, "never-synced source must be due")

	_, err = s.Sync(ctx, SourceNCCI, nil, true)
	require.NoError(t, err)

	due, err = s.ShouldSync(ctx, SourceNCCI, 4*time.Hour, false)
	require.NoError(t, err)
	assert.False(t, due, "due immediately after sync")

	due, err = s.ShouldSync(ctx, SourceNCCI, 4*time.Hour, true)
	require.NoError(t, err)
	assert.True(t, due, "force must bypass throttle")

	// Other sources are throttled independently.
	due, err = s.ShouldSync(ctx, SourceIOM, 4*time.Hour, false)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestSyncThrottledPass(t *testing.T) {
	ctx := context.Background()
	s, store, auditBuf := setupSyncer(t)

	_, err := s.Sync(ctx, SourceIOM, nil, true)
	require.NoError(t, err)
	auditBuf.Reset()

	doc := Document{SourceValue: "100-04", Title: "Claims Processing Manual", Content: "Chapter 1..."}
	res, err := s.Sync(ctx, SourceIOM, []Document{doc}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Added)

	key := PolicyKey(SourceIOM, "100-04", "Claims Processing Manual")
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "throttled pass must not touch the store")
	assert.Contains(t, auditBuf.String(), "sync_throttled")
}
