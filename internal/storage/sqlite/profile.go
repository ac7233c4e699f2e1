package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sandevgo/longmem/internal/core"
)

// profileConfidenceFloor gates which preference memories make it into the
// eagerly-maintained profile projection.
const profileConfidenceFloor = 0.8

// ProfileUpsert writes one profile row, replacing any previous value for
// the key.
func (s *Store) ProfileUpsert(ctx context.Context, key, value string, turnID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO profile (key, value, updated_at, source_turn)
		 VALUES (?, ?, ?, ?)`,
		key, value, now(), turnID)
	if err != nil {
		return fmt.Errorf("failed to upsert profile %q: %w", key, err)
	}
	return nil
}

func profileUpsertTx(ctx context.Context, tx *sql.Tx, dm core.DistilledMemory, turnID int64) error {
	if dm.Type != core.TypePreference || dm.Key == "" || dm.Confidence < profileConfidenceFloor {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO profile (key, value, updated_at, source_turn)
		 VALUES (?, ?, ?, ?)`,
		dm.Key, dm.Value, now(), turnID)
	if err != nil {
		return fmt.Errorf("failed to upsert profile %q: %w", dm.Key, err)
	}
	return nil
}

// ProfileSnapshot returns the full profile as a flat mapping.
func (s *Store) ProfileSnapshot(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM profile`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		snapshot[k] = v
	}
	return snapshot, rows.Err()
}
