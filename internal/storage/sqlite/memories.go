package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/pkg/log"
)

// Add inserts a memory with its embedding into all three indexes
// atomically. Returns core.ErrDuplicateKey when an active memory already
// holds the same key.
func (s *Store) Add(ctx context.Context, mem core.Memory, embedding []float32) (string, error) {
	blob, err := serializeVector(embedding)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := insertMemoryTx(ctx, tx, mem, blob)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// insertMemoryTx performs the three-index insert inside an open
// transaction. Callers that batch several operations (ApplyDelta) reuse it.
func insertMemoryTx(ctx context.Context, tx *sql.Tx, mem core.Memory, vecBlob []byte) (string, error) {
	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE key = ? AND is_active = 1`, mem.Key,
	).Scan(&existing)
	switch {
	case err == nil:
		return "", fmt.Errorf("key %q held by %s: %w", mem.Key, existing, core.ErrDuplicateKey)
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to check key uniqueness: %w", err)
	}

	if mem.ID == "" {
		mem.ID = core.NewMemoryID()
	}
	ts := now()
	if mem.CreatedAt == 0 {
		mem.CreatedAt = ts
	}
	mem.UpdatedAt = ts

	res, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, type, category, key, value, source_turn,
		                       confidence, created_at, updated_at, is_active, last_used_turn)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		mem.ID, string(mem.Type), mem.Category, mem.Key, mem.Value,
		mem.SourceTurn, mem.Confidence, mem.CreatedAt, mem.UpdatedAt, mem.LastUsedTurn,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert memory: %w", err)
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts (rowid, key, value, category) VALUES (?, ?, ?, ?)`,
		rowid, mem.Key, mem.Value, mem.Category,
	); err != nil {
		return "", fmt.Errorf("failed to insert fts row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_vec (rowid, embedding) VALUES (?, ?)`,
		rowid, vecBlob,
	); err != nil {
		return "", fmt.Errorf("failed to insert vector row: %w", err)
	}

	return mem.ID, nil
}

// Update mutates value and confidence of an existing memory. When
// newEmbedding is non-nil the vector and FTS rows are refreshed in the same
// transaction.
func (s *Store) Update(ctx context.Context, id, value string, confidence float64, newEmbedding []float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateMemoryTx(ctx, tx, id, value, confidence, newEmbedding); err != nil {
		return err
	}
	return tx.Commit()
}

func updateMemoryTx(ctx context.Context, tx *sql.Tx, id, value string, confidence float64, newEmbedding []float32) error {
	var rowid int64
	var key, category string
	err := tx.QueryRowContext(ctx,
		`SELECT rowid, key, category FROM memories WHERE id = ? AND is_active = 1`, id,
	).Scan(&rowid, &key, &category)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update target %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET value = ?, confidence = ?, updated_at = ? WHERE id = ?`,
		value, confidence, now(), id,
	); err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}

	if newEmbedding != nil {
		blob, err := serializeVector(newEmbedding)
		if err != nil {
			return err
		}
		// vec0 has no UPDATE; refresh both derived rows with delete+insert
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories_vec WHERE rowid = ?`, rowid); err != nil {
			return fmt.Errorf("failed to drop stale vector row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories_vec (rowid, embedding) VALUES (?, ?)`, rowid, blob); err != nil {
			return fmt.Errorf("failed to refresh vector row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories_fts WHERE rowid = ?`, rowid); err != nil {
			return fmt.Errorf("failed to drop stale fts row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories_fts (rowid, key, value, category) VALUES (?, ?, ?, ?)`,
			rowid, key, value, category); err != nil {
			return fmt.Errorf("failed to refresh fts row: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories_fts SET value = ? WHERE rowid = ?`, value, rowid); err != nil {
			return fmt.Errorf("failed to update fts row: %w", err)
		}
	}

	return nil
}

// Expire soft-deletes a memory: the row is retained for audit, the derived
// index rows are removed.
func (s *Store) Expire(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := expireMemoryTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func expireMemoryTx(ctx context.Context, tx *sql.Tx, id string) error {
	var rowid int64
	err := tx.QueryRowContext(ctx,
		`SELECT rowid FROM memories WHERE id = ? AND is_active = 1`, id,
	).Scan(&rowid)
	if errors.Is(err, sql.ErrNoRows) {
		// Already inactive or unknown; expiring twice is a no-op.
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET is_active = 0, updated_at = ? WHERE id = ?`,
		now(), id); err != nil {
		return fmt.Errorf("failed to deactivate memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories_fts WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("failed to remove fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories_vec WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("failed to remove vector row: %w", err)
	}
	return nil
}

// Touch raises last_used_turn to turnID; it never decreases.
func (s *Store) Touch(ctx context.Context, id string, turnID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_used_turn = MAX(last_used_turn, ?) WHERE id = ?`,
		turnID, id)
	if err != nil {
		return fmt.Errorf("failed to touch memory %s: %w", id, err)
	}
	return nil
}

const memoryColumns = `id, type, category, key, value, source_turn,
	confidence, created_at, updated_at, is_active, last_used_turn`

func scanMemory(row interface{ Scan(...any) error }) (core.Memory, error) {
	var m core.Memory
	var memType string
	var active int
	err := row.Scan(&m.ID, &memType, &m.Category, &m.Key, &m.Value, &m.SourceTurn,
		&m.Confidence, &m.CreatedAt, &m.UpdatedAt, &active, &m.LastUsedTurn)
	if err != nil {
		return core.Memory{}, err
	}
	m.Type = core.MemoryType(memType)
	m.IsActive = active == 1
	return m, nil
}

// GetActive returns all active memories ordered by descending confidence.
func (s *Store) GetActive(ctx context.Context) ([]core.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE is_active = 1 ORDER BY confidence DESC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active memories: %w", err)
	}
	defer rows.Close()

	var memories []core.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// GetByID fetches a memory regardless of its active flag.
func (s *Store) GetByID(ctx context.Context, id string) (core.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Memory{}, core.ErrNotFound
	}
	return m, err
}

// FindByKey returns the active memory holding key, if any.
func (s *Store) FindByKey(ctx context.Context, key string) (core.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE key = ? AND is_active = 1`, key)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Memory{}, core.ErrNotFound
	}
	return m, err
}

func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE is_active = 1`).Scan(&n)
	return n, err
}

// ApplyReport summarizes a delta application.
type ApplyReport struct {
	Added         int
	Updated       int
	Expired       int
	Kept          int
	Skipped       int
	CoalescedKeys []string
}

// ApplyDelta applies a distilled delta in order within a single
// transaction. An add whose key collides with an active memory not expired
// earlier in the same delta is coalesced into an update: the old row is
// deactivated, the new row inherits the oldest source_turn. Profile rows are
// upserted for high-confidence preference memories.
func (s *Store) ApplyDelta(ctx context.Context, delta core.Delta, turnID int64) (ApplyReport, error) {
	logger := log.FromCtx(ctx)
	var report ApplyReport

	if delta.Empty() {
		return report, nil
	}

	// Embeddings are computed before the transaction opens; the embedder is
	// the slow, fallible part and must not hold the write lock.
	embeddings := make(map[int][]float32)
	for i, dm := range delta.Actions {
		if dm.Action != core.ActionAdd && dm.Action != core.ActionUpdate {
			continue
		}
		text := EmbedText(dm.Key, dm.Value)
		if dm.Action == core.ActionUpdate && dm.Key == "" {
			// key unknown until the target row is read; embed value alone
			text = dm.Value
		}
		emb, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return report, fmt.Errorf("failed to embed delta action %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	for i, dm := range delta.Actions {
		switch dm.Action {
		case core.ActionAdd:
			added, coalesced, err := s.applyAddTx(ctx, tx, dm, embeddings[i], turnID)
			if err != nil {
				return report, err
			}
			if coalesced != "" {
				report.CoalescedKeys = append(report.CoalescedKeys, coalesced)
				report.Updated++
			} else if added {
				report.Added++
			}

		case core.ActionUpdate:
			err := updateMemoryTx(ctx, tx, dm.ID, dm.Value, dm.Confidence, embeddings[i])
			if errors.Is(err, core.ErrNotFound) {
				logger.Warn().Str("id", dm.ID).Msg("distiller update targets unknown memory, skipping")
				report.Skipped++
				continue
			}
			if err != nil {
				return report, err
			}
			if err := profileUpsertTx(ctx, tx, dm, turnID); err != nil {
				return report, err
			}
			report.Updated++

		case core.ActionKeep:
			report.Kept++

		case core.ActionExpire:
			if err := expireMemoryTx(ctx, tx, dm.ID); err != nil {
				return report, err
			}
			report.Expired++

		default:
			logger.Warn().Str("action", string(dm.Action)).Msg("unknown delta action, skipping")
			report.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

// applyAddTx inserts a new memory, coalescing key collisions into
// deactivate-and-recreate. Returns the colliding key when coalescing
// happened.
func (s *Store) applyAddTx(ctx context.Context, tx *sql.Tx, dm core.DistilledMemory, embedding []float32, turnID int64) (bool, string, error) {
	blob, err := serializeVector(embedding)
	if err != nil {
		return false, "", err
	}

	sourceTurn := dm.SourceTurn
	if sourceTurn == 0 {
		sourceTurn = turnID
	}

	var coalesced string
	var oldID string
	var oldSource int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, source_turn FROM memories WHERE key = ? AND is_active = 1`, dm.Key,
	).Scan(&oldID, &oldSource)
	switch {
	case err == nil:
		// Implicit update: deactivate the old row, keep the oldest origin.
		if err := expireMemoryTx(ctx, tx, oldID); err != nil {
			return false, "", err
		}
		if oldSource < sourceTurn {
			sourceTurn = oldSource
		}
		coalesced = dm.Key
	case !errors.Is(err, sql.ErrNoRows):
		return false, "", err
	}

	mem := core.Memory{
		Type:       dm.Type,
		Category:   dm.Category,
		Key:        dm.Key,
		Value:      dm.Value,
		SourceTurn: sourceTurn,
		Confidence: dm.Confidence,
	}
	if _, err := insertMemoryTx(ctx, tx, mem, blob); err != nil {
		return false, "", err
	}
	if err := profileUpsertTx(ctx, tx, dm, turnID); err != nil {
		return false, "", err
	}
	return true, coalesced, nil
}
