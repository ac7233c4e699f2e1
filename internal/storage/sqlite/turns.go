package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sandevgo/longmem/internal/core"
)

// LogTurn appends an immutable turn record and returns its id. Ids are
// dense and strictly increasing across restarts.
func (s *Store) LogTurn(ctx context.Context, role, content string, memoriesRetrieved []string) (int64, error) {
	if memoriesRetrieved == nil {
		memoriesRetrieved = []string{}
	}
	retrieved, err := json.Marshal(memoriesRetrieved)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal retrieved ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var turnID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_id), 0) + 1 FROM turns`).Scan(&turnID); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (turn_id, role, content, timestamp, memories_retrieved)
		 VALUES (?, ?, ?, ?, ?)`,
		turnID, role, content, now(), string(retrieved),
	); err != nil {
		return 0, fmt.Errorf("failed to log turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return turnID, nil
}

// LastTurnID returns the highest logged turn id, 0 when the log is empty.
func (s *Store) LastTurnID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_id), 0) FROM turns`).Scan(&id)
	return id, err
}

// Window returns the turn records with from <= turn_id <= to in order.
func (s *Store) Window(ctx context.Context, from, to int64) ([]core.TurnRecord, error) {
	if from > to {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, role, content, timestamp, memories_retrieved
		 FROM turns WHERE turn_id BETWEEN ? AND ? ORDER BY turn_id`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn window: %w", err)
	}
	defer rows.Close()

	var records []core.TurnRecord
	for rows.Next() {
		var r core.TurnRecord
		var retrieved string
		if err := rows.Scan(&r.TurnID, &r.Role, &r.Content, &r.Timestamp, &retrieved); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(retrieved), &r.MemoriesRetrieved); err != nil {
			r.MemoriesRetrieved = nil
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
