// Package sqlite is the durable memory store: one relational table of
// memories as the source of truth, with a sqlite-vec KNN index and an FTS5
// index as rebuildable derivations, plus the turn log and the profile
// projection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/pkg/log"
)

type Store struct {
	db       *sql.DB
	embedder core.Embedder
}

// NewStore wires the database handle with the embedding model and makes
// sure the vector table exists with the embedder's dimension. On detected
// index divergence the auxiliary indexes are rebuilt from the memories
// table.
func NewStore(ctx context.Context, db *sql.DB, embedder core.Embedder) (*Store, error) {
	s := &Store{db: db, embedder: embedder}

	// vec0 DDL carries the dimension, so it cannot live in a static
	// migration file.
	createVec := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(embedding float[%d])`,
		embedder.Dim(),
	)
	if _, err := db.ExecContext(ctx, createVec); err != nil {
		return nil, fmt.Errorf("failed to create vec0 table: %w", err)
	}

	if err := s.verifyIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EmbedText is the canonical embedding input for a memory.
func EmbedText(key, value string) string {
	return key + ": " + value
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// verifyIndexes compares active-row counts across the three indexes and
// rebuilds the derived ones when they diverge (e.g. after a crash between
// schema versions).
func (s *Store) verifyIndexes(ctx context.Context) error {
	logger := log.FromCtx(ctx)

	var active, vecCount, ftsCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE is_active = 1`).Scan(&active); err != nil {
		return fmt.Errorf("failed to count active memories: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories_vec`).Scan(&vecCount); err != nil {
		return fmt.Errorf("failed to count vector rows: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories_fts`).Scan(&ftsCount); err != nil {
		return fmt.Errorf("failed to count fts rows: %w", err)
	}

	if active == vecCount && active == ftsCount {
		return nil
	}

	logger.Warn().
		Int("active", active).
		Int("vector", vecCount).
		Int("fts", ftsCount).
		Msg("index divergence detected, rebuilding derived indexes")

	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, key, value, category FROM memories WHERE is_active = 1`)
	if err != nil {
		return fmt.Errorf("failed to read active memories for rebuild: %w", err)
	}
	type rebuildRow struct {
		rowid              int64
		key, value, catVal string
	}
	var toRebuild []rebuildRow
	for rows.Next() {
		var r rebuildRow
		if err := rows.Scan(&r.rowid, &r.key, &r.value, &r.catVal); err != nil {
			rows.Close()
			return err
		}
		toRebuild = append(toRebuild, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	// Re-embed outside the transaction; embedding is the slow part.
	blobs := make(map[int64][]byte, len(toRebuild))
	for _, r := range toRebuild {
		emb, err := s.embedder.Embed(ctx, EmbedText(r.key, r.value))
		if err != nil {
			return fmt.Errorf("failed to re-embed %q during rebuild: %w", r.key, err)
		}
		blob, err := serializeVector(emb)
		if err != nil {
			return err
		}
		blobs[r.rowid] = blob
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_vec`); err != nil {
		return fmt.Errorf("failed to clear vector index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts`); err != nil {
		return fmt.Errorf("failed to clear fts index: %w", err)
	}
	for _, r := range toRebuild {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories_vec (rowid, embedding) VALUES (?, ?)`,
			r.rowid, blobs[r.rowid]); err != nil {
			return fmt.Errorf("failed to rebuild vector row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories_fts (rowid, key, value, category) VALUES (?, ?, ?, ?)`,
			r.rowid, r.key, r.value, r.catVal); err != nil {
			return fmt.Errorf("failed to rebuild fts row: %w", err)
		}
	}

	return tx.Commit()
}

// SnapshotMarkdown writes a human-readable dump of the profile and all
// active memories, grouped by type, to snapshotDir.
func (s *Store) SnapshotMarkdown(ctx context.Context, turnID int64, snapshotDir string) (string, error) {
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	memories, err := s.GetActive(ctx)
	if err != nil {
		return "", err
	}
	profile, err := s.ProfileSnapshot(ctx)
	if err != nil {
		return "", err
	}

	sort.Slice(memories, func(i, j int) bool {
		if memories[i].Type != memories[j].Type {
			return memories[i].Type < memories[j].Type
		}
		return memories[i].Key < memories[j].Key
	})

	var b strings.Builder
	fmt.Fprintf(&b, "# Memory Snapshot — Turn %d\n", turnID)
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().Format(time.DateTime))

	if len(profile) > 0 {
		b.WriteString("## Profile\n")
		keys := make([]string, 0, len(profile))
		for k := range profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- **%s**: %s\n", k, profile[k])
		}
		b.WriteString("\n")
	}

	var currentType core.MemoryType
	for _, m := range memories {
		if m.Type != currentType {
			currentType = m.Type
			fmt.Fprintf(&b, "## %s\n", titleCase(string(currentType)))
		}
		fmt.Fprintf(&b, "- **%s**: %s (conf: %.2f, turn: %d)\n",
			m.Key, m.Value, m.Confidence, m.SourceTurn)
	}
	fmt.Fprintf(&b, "\nTotal active: %d\n", len(memories))

	path := filepath.Join(snapshotDir, fmt.Sprintf("turn_%05d.md", turnID))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
