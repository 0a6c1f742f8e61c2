package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"modguard.org/internal/action"
)

var _ action.RecordStore = (*Store)(nil)

const recordColumns = `key, action_kind, actor_id, group_id, target_id, state, result, attempts, last_error, created_at, updated_at, completed_at`

// Create is the coordinator's serialization point: the unique key constraint
// decides the winner, losers read back the existing row.
func (s *Store) Create(ctx context.Context, rec action.Record) (action.Record, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into action_records(key, action_kind, actor_id, group_id, target_id, state, attempts)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (key) do nothing
	`, rec.Key, string(rec.Kind), rec.ActorID, rec.GroupID, rec.TargetID, string(rec.State), rec.Attempts)
	if err != nil {
		return action.Record{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return action.Record{}, false, err
	}
	stored, err := s.Get(ctx, rec.Key)
	if err != nil {
		return action.Record{}, false, err
	}
	return stored, n == 1, nil
}

func (s *Store) Get(ctx context.Context, key string) (action.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+recordColumns+` from action_records where key=$1
	`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return action.Record{}, action.ErrNotFound
	}
	if err != nil {
		return action.Record{}, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec action.Record) error {
	var completed any
	if !rec.CompletedAt.IsZero() {
		completed = rec.CompletedAt
	}
	res, err := s.db.ExecContext(ctx, `
		update action_records
		set state=$2, result=$3, attempts=$4, last_error=$5, completed_at=$6, updated_at=now()
		where key=$1
	`, rec.Key, string(rec.State), rec.Result, rec.Attempts, rec.LastError, completed)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return action.ErrNotFound
	}
	return nil
}

func (s *Store) ListStuck(ctx context.Context, cutoff time.Time) ([]action.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+recordColumns+` from action_records
		where state=$1 and updated_at < $2
		order by updated_at asc
	`, string(action.StateDispatched), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []action.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (action.Record, error) {
	var rec action.Record
	var kind, state string
	var groupID, targetID, result, lastErr sql.NullString
	var completed sql.NullTime
	err := row.Scan(&rec.Key, &kind, &rec.ActorID, &groupID, &targetID, &state,
		&result, &rec.Attempts, &lastErr, &rec.CreatedAt, &rec.UpdatedAt, &completed)
	if err != nil {
		return action.Record{}, err
	}
	rec.Kind = action.Kind(kind)
	rec.State = action.State(state)
	rec.GroupID = groupID.String
	rec.TargetID = targetID.String
	rec.Result = result.String
	rec.LastError = lastErr.String
	if completed.Valid {
		rec.CompletedAt = completed.Time
	}
	return rec, nil
}
